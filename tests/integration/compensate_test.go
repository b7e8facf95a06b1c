package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/liuxiao2015/gamecore/internal/compensate"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/store"
)

// CompensationSuite runs the compensation repository and engine against a
// real database.
type CompensationSuite struct {
	suite.Suite
	ctx  context.Context
	pg   *store.Postgres
	repo *compensate.PostgresRepository
}

func (s *CompensationSuite) SetupSuite() {
	s.ctx = context.Background()

	dsn := acquireSchema(s.T())
	s.Require().NoError(store.RunMigrations(s.ctx, dsn))

	var err error
	s.pg, err = store.NewPostgres(s.ctx, dsn)
	s.Require().NoError(err)
	s.repo = compensate.NewPostgresRepository(s.pg.Pool())
}

func (s *CompensationSuite) TearDownSuite() {
	if s.pg != nil {
		s.pg.Close()
	}
}

// SetupTest clears records so counting assertions never see a neighbour's
// leftovers.
func (s *CompensationSuite) SetupTest() {
	_, err := s.pg.Pool().Exec(s.ctx, `TRUNCATE compensation_records`)
	s.Require().NoError(err)
}

func (s *CompensationSuite) failedRecord(recType string, nextRetryAt time.Time) *compensate.Record {
	now := time.Now().UTC()
	return &compensate.Record{
		RecordID:    uuid.NewString(),
		Type:        recType,
		RoleID:      1001,
		Context:     map[string]any{"order_id": "ord-1", "amount": float64(250)},
		Status:      compensate.StatusFailed,
		MaxRetries:  3,
		LastError:   "downstream unavailable",
		NextRetryAt: nextRetryAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *CompensationSuite) TestRecordLifecycle() {
	now := time.Now().UTC()
	early := s.failedRecord("wallet.debit", now.Add(-2*time.Minute))
	late := s.failedRecord("wallet.debit", now.Add(-time.Minute))
	future := s.failedRecord("wallet.debit", now.Add(time.Hour))
	for _, rec := range []*compensate.Record{late, early, future} {
		s.Require().NoError(s.repo.Insert(s.ctx, rec))
	}

	// Only due records come back, oldest NextRetryAt first.
	due, err := s.repo.DueForRetry(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal(early.RecordID, due[0].RecordID)
	s.Equal(late.RecordID, due[1].RecordID)
	s.Equal(map[string]any{"order_id": "ord-1", "amount": float64(250)}, due[0].Context)

	// A terminal transition takes the record out of the retry scan.
	early.Status = compensate.StatusCompensated
	early.RetryCount = 1
	early.UpdatedAt = now
	s.Require().NoError(s.repo.Update(s.ctx, early))

	due, err = s.repo.DueForRetry(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(late.RecordID, due[0].RecordID)

	// Retention purge drops terminal records only.
	purged, err := s.repo.PurgeTerminalBefore(s.ctx, now.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(int64(1), purged)

	due, err = s.repo.DueForRetry(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Len(due, 1)

	s.Require().NoError(s.repo.Delete(s.ctx, late.RecordID))
	s.Require().NoError(s.repo.Delete(s.ctx, future.RecordID))
}

func (s *CompensationSuite) TestEngineCompensatesFailedWrite() {
	eng := compensate.NewEngine(s.repo, metrics.NewForTest(), nil, compensate.Options{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
	})

	failures := 0
	eng.RegisterHandler("gold.grant", compensate.HandlerFunc(
		func(_ context.Context, rec *compensate.Record) error {
			if failures++; failures == 1 {
				return errors.New("still unavailable")
			}
			return nil
		}))

	err := eng.Execute(s.ctx, "gold.grant", 2002, map[string]any{"amount": float64(50)},
		func(context.Context) error { return errors.New("rpc timeout") })
	s.Require().EqualError(err, "rpc timeout")

	// First pass fails the handler, second compensates.
	s.Equal(1, eng.ProcessDue(s.ctx, time.Now().Add(time.Hour)))
	s.Equal(1, eng.ProcessDue(s.ctx, time.Now().Add(2*time.Hour)))
	s.Equal(2, failures)

	due, err := s.repo.DueForRetry(s.ctx, time.Now().Add(24*time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(due, "compensated record must leave the retry scan")

	var status string
	var retries int
	s.Require().NoError(s.pg.Pool().QueryRow(s.ctx,
		`SELECT status, retry_count FROM compensation_records WHERE record_type = $1`,
		"gold.grant").Scan(&status, &retries))
	s.Equal(string(compensate.StatusCompensated), status)
	s.Equal(2, retries)
}

func (s *CompensationSuite) TestEngineEscalatesAfterRetryBudget() {
	eng := compensate.NewEngine(s.repo, metrics.NewForTest(), nil, compensate.Options{
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	})
	eng.RegisterHandler("mail.attach", compensate.HandlerFunc(
		func(context.Context, *compensate.Record) error {
			return errors.New("refused")
		}))

	err := eng.Execute(s.ctx, "mail.attach", 3003, nil,
		func(context.Context) error { return errors.New("broker down") })
	s.Require().EqualError(err, "broker down")

	s.Equal(1, eng.ProcessDue(s.ctx, time.Now().Add(time.Hour)))
	s.Equal(1, eng.ProcessDue(s.ctx, time.Now().Add(2*time.Hour)))

	manual, err := eng.ListManualRequired(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(manual, 1)
	s.Equal("mail.attach", manual[0].Type)
	s.Equal(int64(3003), manual[0].RoleID)
	s.Equal(2, manual[0].RetryCount)
	s.Equal("refused", manual[0].LastError)
}

func (s *CompensationSuite) TestSuccessfulActionLeavesNoRecord() {
	eng := compensate.NewEngine(s.repo, metrics.NewForTest(), nil, compensate.Options{})

	err := eng.Execute(s.ctx, "noop.write", 4004, nil,
		func(context.Context) error { return nil })
	s.Require().NoError(err)

	var count int
	s.Require().NoError(s.pg.Pool().QueryRow(s.ctx,
		`SELECT count(*) FROM compensation_records WHERE record_type = $1`,
		"noop.write").Scan(&count))
	s.Zero(count)
}

func TestCompensationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(CompensationSuite))
}
