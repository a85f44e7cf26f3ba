package quotaledger

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Title limits.
const (
	TitleMaxRunes      = 40
	TitleMaxInputRunes = 800
	fallbackHeadRunes  = 12
)

// Title input sources reported by generators.
const (
	TitleSourceSummary        = "summary"
	TitleSourceTranscriptHead = "transcript_head"
	TitleSourceHybrid         = "hybrid"
)

// TitleGenerator produces a short title for a finished job.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, in TitleInput) (TitleResult, error)
}

// TitleInput is the material a title is generated from.
type TitleInput struct {
	Summary        string
	TranscriptHead string
	OutputLanguage string // "ja", "en" or "zh"; anything else means "ja"
}

// Source reports which inputs are present, after trimming.
func (in TitleInput) Source() string {
	summary := strings.TrimSpace(in.Summary) != ""
	head := strings.TrimSpace(in.TranscriptHead) != ""
	switch {
	case summary && head:
		return TitleSourceHybrid
	case summary:
		return TitleSourceSummary
	case head:
		return TitleSourceTranscriptHead
	}
	return ""
}

// TitleResult is a generator's answer. Status is TitleAuto or TitleFailed.
type TitleResult struct {
	Title         string
	Status        TitleStatus
	Source        string
	Model         string
	PromptVersion string
}

// TitleOutcome is the title reported to the caller after settlement.
type TitleOutcome struct {
	Title  string
	Status TitleStatus
}

// FinishTitle resolves the title lock taken by CompleteJob. Without the
// lock it only reports the existing or a fallback title. With the lock it
// asks the generator and stores either the generated title or a fallback
// marked failed. A failed store is logged and reported as pending, which is
// what the record still says.
func (e *Engine) FinishTitle(ctx context.Context, s Settlement, in TitleInput) TitleOutcome {
	if s.Skipped {
		return TitleOutcome{Title: s.ExistingTitle, Status: s.ExistingTitleStatus}
	}
	fallback := FallbackTitle(in.TranscriptHead, s.CompletedAt.In(e.loc))

	if !s.TitleLockAcquired {
		if s.ExistingTitle != "" {
			return TitleOutcome{Title: s.ExistingTitle, Status: s.ExistingTitleStatus}
		}
		status := s.ExistingTitleStatus
		if status == TitleUnset {
			status = TitlePending
		}
		return TitleOutcome{Title: fallback, Status: status}
	}

	res, err := e.titles.GenerateTitle(ctx, in)
	if err != nil {
		e.logger.Warn("title generation failed", "job", s.JobID, "error", err)
		res = TitleResult{Status: TitleFailed, Source: in.Source()}
	}
	title := SanitizeTitle(res.Title)
	out := TitleOutcome{Title: title, Status: TitleAuto}
	if res.Status != TitleAuto || title == "" {
		out = TitleOutcome{Title: fallback, Status: TitleFailed}
	}

	now := e.at(time.Time{})
	err = e.updateJob(ctx, "finish_title", s.UID, s.JobID, func(j *Job) bool {
		if j.TitleStatus != TitlePending {
			// Another writer (SetTitle) owns the title now.
			out = TitleOutcome{Title: j.Title, Status: j.TitleStatus}
			return false
		}
		j.Title = out.Title
		j.TitleStatus = out.Status
		j.TitleSource = res.Source
		j.TitleModel = res.Model
		j.TitlePromptVersion = res.PromptVersion
		j.TitleUpdatedAt = &now
		j.UpdatedAt = now
		return true
	})
	if err != nil {
		e.logger.Error("title update failed, pending may remain", "job", s.JobID, "error", err)
		return TitleOutcome{Title: out.Title, Status: TitlePending}
	}
	return out
}

// SetTitle stores a user supplied title with status manual. Later
// settlements never overwrite it.
func (e *Engine) SetTitle(ctx context.Context, uid, jobID, title string) (string, error) {
	title = SanitizeTitle(title)
	if title == "" {
		return "", &LedgerError{Op: "set_title", UID: uid, JobID: jobID, Err: ErrInvalidTitle}
	}
	now := e.at(time.Time{})
	err := e.updateJob(ctx, "set_title", uid, jobID, func(j *Job) bool {
		j.Title = title
		j.TitleStatus = TitleManual
		j.TitleUpdatedAt = &now
		j.UpdatedAt = now
		return true
	})
	if err != nil {
		return "", err
	}
	return title, nil
}

// updateJob applies fn to a job owned by uid in its own transaction. The
// job is written only when fn returns true.
func (e *Engine) updateJob(ctx context.Context, op, uid, jobID string, fn func(*Job) bool) error {
	_, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		j, err := tx.Job(ctx, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return ErrJobNotFound
		}
		if j.UID != uid {
			return ErrForbidden
		}
		if !fn(j) {
			return nil
		}
		return tx.PutJob(ctx, *j)
	})
	if err != nil {
		return &LedgerError{Op: op, UID: uid, JobID: jobID, Err: err}
	}
	return nil
}

// SanitizeTitle removes control characters, trims whitespace, limits the
// title to TitleMaxRunes runes and drops trailing punctuation.
func SanitizeTitle(title string) string {
	title = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, title)
	title = truncateRunes(strings.TrimSpace(title), TitleMaxRunes)
	return strings.TrimRight(title, "。.、,!！?？")
}

// FallbackTitle builds a title from the timestamp and the first runes of
// the transcript, e.g. "2025-01-15 1030 今日の会議".
func FallbackTitle(transcriptHead string, ts time.Time) string {
	date := ts.Format("2006-01-02 1504")
	head := truncateRunes(strings.TrimSpace(transcriptHead), fallbackHeadRunes)
	if head == "" {
		return date
	}
	return date + " " + head
}

// TruncateInput trims s and limits it to TitleMaxInputRunes runes.
func TruncateInput(s string) string {
	return truncateRunes(strings.TrimSpace(s), TitleMaxInputRunes)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

type noopTitleGenerator struct{}

func (noopTitleGenerator) GenerateTitle(_ context.Context, in TitleInput) (TitleResult, error) {
	return TitleResult{Status: TitleFailed, Source: in.Source()}, nil
}
