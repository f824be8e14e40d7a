package service

import (
	"context"
	"time"
)

// RunRecovery settles stalled tool calls and approvals once, then every interval until ctx is done.
func (s *Service) RunRecovery(ctx context.Context, interval time.Duration) {
	s.recoverStalled(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverStalled(ctx)
		}
	}
}

func (s *Service) recoverStalled(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	calls, err := s.exec.SweepStalled(sweepCtx, now)
	if err != nil {
		s.log.Warn().Err(err).Msg("stalled tool call sweep failed")
	}
	approvals, err := s.approvals.RecoverStalled(sweepCtx, now)
	if err != nil {
		s.log.Warn().Err(err).Msg("stalled approval sweep failed")
	}
	if calls > 0 || approvals > 0 {
		s.log.Info().Int("tool_calls", calls).Int("approvals", approvals).Msg("recovered stalled work")
	}
}
