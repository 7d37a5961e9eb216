// Package foreground implements the foreground controller (spec component
// C7): job_continue resumes a stopped job (if asked), hands it the
// controlling terminal, blocks until it stops or completes, and restores
// the shell's own terminal ownership and saved termios.
package foreground

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/jobtable"
	"github.com/nsh-project/nsh/internal/reaper"
	"github.com/nsh-project/nsh/pkg/termstate"
)

// ErrNoControllingTTY is returned when the shell has no controlling
// terminal to hand off (spec §1 non-goal: shells without a tty are
// unsupported, but the error lets a caller degrade gracefully instead of
// crashing).
var ErrNoControllingTTY = errors.New("foreground: no controlling terminal")

// Controller owns the shell's tty fd, its own pgid, and its saved termios,
// and arbitrates hand-off to/from job process groups.
type Controller struct {
	log       *zap.Logger
	ttyFD     int
	shellPGID int
	reap      *reaper.Reaper

	shellTermios *termstate.Termios
}

// New constructs a Controller. ttyFD is typically os.Stdin's fd; shellPGID
// is the shell's own process group (getpgrp()).
func New(log *zap.Logger, ttyFD, shellPGID int, reap *reaper.Reaper) (*Controller, error) {
	t, err := termstate.Get(ttyFD)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoControllingTTY, err)
	}
	return &Controller{
		log:          log.Named("foreground"),
		ttyFD:        ttyFD,
		shellPGID:    shellPGID,
		reap:         reap,
		shellTermios: t,
	}, nil
}

// Continue implements job_continue(job, resume) from spec §4.6.
func (c *Controller) Continue(job *jobtable.Job, resume bool) error {
	job.Notified = false

	if resume {
		if job.PGID != 0 {
			if err := unix.Kill(-job.PGID, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("SIGCONT -%d: %w", job.PGID, err)
			}
		}
		for _, p := range job.Processes {
			p.Stopped = false
		}
	}

	if !job.FG {
		return nil
	}

	if job.PGID != 0 {
		c.handOff(job.PGID)
	}
	c.reap.SetForeground(job.ID)

	for !job.IsStopped() && !job.IsCompleted() {
		if err := c.reap.Reap(true); err != nil {
			return err
		}
	}

	c.reap.SetForeground(0)
	c.handOff(c.shellPGID)
	if err := termstate.Set(c.ttyFD, c.shellTermios); err != nil {
		c.log.Warn("failed to restore shell termios", zap.Error(err))
	}

	if job.IsStopped() {
		t, err := termstate.Get(c.ttyFD)
		if err != nil {
			c.log.Warn("failed to save job termios on stop", zap.Error(err))
		} else {
			job.SavedTermios = t
		}
	}

	return nil
}

// handOff issues tcsetpgrp redundantly, matching spec §4.4 step 4g/§4.6's
// "both parent and child issue tcsetpgrp to close the window" requirement.
// ENOTTY/EACCES/ENOENT from a race with an already-exited or already-exec'd
// child are ignored, per spec §4.6 "Race handling".
func (c *Controller) handOff(pgid int) {
	if err := termstate.SetForegroundPGID(c.ttyFD, pgid); err != nil {
		switch {
		case errors.Is(err, unix.ENOTTY), errors.Is(err, unix.EACCES), errors.Is(err, unix.ENOENT), errors.Is(err, unix.ESRCH):
			return
		default:
			c.log.Debug("tcsetpgrp failed", zap.Int("pgid", pgid), zap.Error(err))
		}
	}
}

// RestoreJobTermios re-applies a previously stopped job's saved termios,
// for use by a later `fg` that resumes it.
func (c *Controller) RestoreJobTermios(job *jobtable.Job) error {
	if job.SavedTermios == nil {
		return nil
	}
	return termstate.Set(c.ttyFD, job.SavedTermios)
}
