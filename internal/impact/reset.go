package impact

import (
	"time"

	"github.com/rs/zerolog"
)

// ResetScheduler archives the current session once a day
type ResetScheduler struct {
	aggregator *Aggregator
	resetTime  time.Time // Time of day to reset (only hour and minute are used)
	logger     zerolog.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(aggregator *Aggregator, resetTime string, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}

	return &ResetScheduler{
		aggregator: aggregator,
		resetTime:  parsedTime,
		logger:     logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Msg("Daily impact reset scheduler started")
}

// Stop stops the reset scheduler and waits for it to exit
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Daily impact reset scheduler stopped")
}

func (rs *ResetScheduler) run() {
	defer close(rs.doneChan)

	for {
		nextReset := rs.nextReset(time.Now())
		waitDuration := time.Until(nextReset)

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next impact reset")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			rs.performReset()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextReset returns the first reset instant strictly after now
func (rs *ResetScheduler) nextReset(now time.Time) time.Time {
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		now.Location(),
	)

	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}
	return todayReset
}

func (rs *ResetScheduler) performReset() {
	record, ok := rs.aggregator.Reset()
	if !ok {
		rs.logger.Debug().Msg("Nothing to archive at scheduled reset")
		return
	}

	rs.logger.Info().
		Str("session_id", record.ID).
		Int64("tokens", record.Tokens).
		Msg("Scheduled impact reset complete")
}
