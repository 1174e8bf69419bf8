package bpfloader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

type attachment struct {
	hook Hook
	link io.Closer
}

// attachmentSet tracks live kernel hooks so teardown is total and ordered.
type attachmentSet struct {
	items  []attachment
	logger *slog.Logger
}

// add records a hook whose kernel attach already succeeded.
func (s *attachmentSet) add(h Hook, l io.Closer) {
	s.items = append(s.items, attachment{hook: h, link: l})
}

// Len returns the number of live attachments.
func (s *attachmentSet) Len() int {
	return len(s.items)
}

func (s *attachmentSet) hooks() []Hook {
	out := make([]Hook, len(s.items))
	for i, a := range s.items {
		out[i] = a.hook
	}
	return out
}

// teardownAll detaches every hook newest first. A failed detach is logged
// and collected; the remaining hooks are still detached. The set is empty
// afterwards either way, since a handle that failed to close cannot be
// retried.
func (s *attachmentSet) teardownAll() error {
	var errs []error
	for i := len(s.items) - 1; i >= 0; i-- {
		a := s.items[i]
		if err := a.link.Close(); err != nil {
			s.logger.Error("detach failed", "hook", a.hook.String(), "error", err)
			errs = append(errs, fmt.Errorf("detaching %s: %w", a.hook, err))
			continue
		}
		s.logger.Debug("detached", "hook", a.hook.String())
	}
	s.items = nil
	return errors.Join(errs...)
}
