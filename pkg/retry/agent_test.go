package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

type fakeStore struct {
	rows     []*entities.RetryReliability
	records  map[string]entities.Record
	receipts []entities.RetryRef
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]entities.Record{}}
}

func (s *fakeStore) DueRetries(_ context.Context, limit int) ([]*entities.RetryReliability, error) {
	now := time.Now()
	var due []*entities.RetryReliability
	for _, row := range s.rows {
		if row.Due(now) {
			due = append(due, row)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *fakeStore) ResolveRecord(_ context.Context, ref entities.RetryRef) (entities.Record, error) {
	rec, ok := s.records[ref.EntityID()]
	if !ok {
		return nil, errors.Errorf("no record for %q", ref.EntityID())
	}
	return rec, nil
}

func (s *fakeStore) SaveRecord(_ context.Context, rec entities.Record) error {
	s.records[rec.RecordID()] = rec
	return nil
}

func (s *fakeStore) SaveRetry(_ context.Context, _ *entities.RetryReliability) error {
	return nil
}

func (s *fakeStore) RecordMissingReceipt(_ context.Context, ref entities.RetryRef) error {
	s.receipts = append(s.receipts, ref)
	return nil
}

func newAgentOver(s *fakeStore) *Agent {
	return NewAgent(s, s, s, s, AgentConfig{}, nil)
}

func TestAgent_BudgetWalkthrough(t *testing.T) {
	// MaxRetryCount 2, zero interval so every tick finds the row due.
	store := newFakeStore()
	rec := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID: "out-1", Operation: entities.OperationToBeRetried,
	}}
	store.records["out-1"] = rec
	row, err := entities.NewRetryReliability(entities.RefToOutMessage("out-1"), entities.RetrySend, 2, 0)
	require.NoError(t, err)
	store.rows = append(store.rows, row)

	agent := newAgentOver(store)
	ctx := context.Background()

	// First tick: attempt one, record flips back to ToBeSent.
	require.NoError(t, agent.Tick(ctx))
	assert.Equal(t, 1, row.CurrentRetryCount)
	assert.Equal(t, entities.OperationToBeSent, rec.Operation)
	assert.Equal(t, entities.RetryPending, row.Status)

	// The send fails again; the engine parks the record.
	rec.MarkToBeRetried()

	// Second tick: attempt two, last one in the budget.
	require.NoError(t, agent.Tick(ctx))
	assert.Equal(t, 2, row.CurrentRetryCount)
	assert.Equal(t, entities.OperationToBeSent, rec.Operation)

	rec.MarkToBeRetried()

	// Third tick: budget spent, record dead-lettered, row frozen, and a
	// missing-receipt signal recorded for the producer.
	require.NoError(t, agent.Tick(ctx))
	assert.Equal(t, 2, row.CurrentRetryCount, "counter never exceeds the budget")
	assert.Equal(t, entities.OperationDeadLettered, rec.Operation)
	assert.Equal(t, entities.StatusException, rec.Status)
	assert.Equal(t, entities.RetryCompleted, row.Status)
	require.Len(t, store.receipts, 1)
	assert.Equal(t, "out-1", store.receipts[0].EntityID())

	// Fourth tick: completed rows are no longer due; nothing changes.
	require.NoError(t, agent.Tick(ctx))
	assert.Len(t, store.receipts, 1)
}

func TestAgent_UnattemptedRecordKeepsItsBudget(t *testing.T) {
	// A row is created pending alongside the record at submit time, so it
	// is due before the first attempt ever ran. Ticks must leave records
	// that were never parked ToBeRetried alone.
	store := newFakeStore()
	rec := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID: "out-1", Operation: entities.OperationToBeSent, Status: entities.StatusCreated,
	}}
	store.records["out-1"] = rec
	row, err := entities.NewRetryReliability(entities.RefToOutMessage("out-1"), entities.RetrySend, 2, 0)
	require.NoError(t, err)
	store.rows = append(store.rows, row)

	agent := newAgentOver(store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, agent.Tick(ctx))
	}

	assert.Equal(t, 0, row.CurrentRetryCount, "no failed attempt, no budget spent")
	assert.Equal(t, entities.RetryPending, row.Status)
	assert.Equal(t, entities.OperationToBeSent, rec.Operation)
	assert.Empty(t, store.receipts)

	// Once a send actually fails and parks the record, the budget starts.
	rec.MarkToBeRetried()
	require.NoError(t, agent.Tick(ctx))
	assert.Equal(t, 1, row.CurrentRetryCount)
	assert.Equal(t, entities.OperationToBeSent, rec.Operation)
}

func TestAgent_TerminalRecordFreezesRow(t *testing.T) {
	store := newFakeStore()
	rec := &entities.InMessage{MessageEntity: entities.MessageEntity{
		ID: "in-1", Operation: entities.OperationNotified,
	}}
	store.records["in-1"] = rec
	row, err := entities.NewRetryReliability(entities.RefToInMessage("in-1"), entities.RetryDelivery, 4, 0)
	require.NoError(t, err)
	store.rows = append(store.rows, row)

	agent := newAgentOver(store)
	require.NoError(t, agent.Tick(context.Background()))

	assert.Equal(t, entities.RetryCompleted, row.Status)
	assert.Equal(t, 0, row.CurrentRetryCount)
	assert.Equal(t, entities.OperationNotified, rec.Operation)
	assert.Empty(t, store.receipts)
}

func TestAgent_NonSendExhaustionSkipsMissingReceipt(t *testing.T) {
	store := newFakeStore()
	exc := &entities.InException{ExceptionEntity: entities.NewExceptionFor("msg-1", errors.New("boom"), true)}
	exc.MarkToBeRetried()
	store.records[exc.ID] = exc
	row, err := entities.NewRetryReliability(entities.RefToInException(exc.ID), entities.RetryNotification, 0, 0)
	require.NoError(t, err)
	store.rows = append(store.rows, row)

	agent := newAgentOver(store)
	require.NoError(t, agent.Tick(context.Background()))

	assert.Equal(t, entities.OperationDeadLettered, exc.Operation)
	assert.Equal(t, entities.RetryCompleted, row.Status)
	assert.Empty(t, store.receipts, "missing receipts only apply to send retries")
}

func TestActivityFor(t *testing.T) {
	assert.Equal(t, entities.ActivitySend, ActivityFor(entities.RetrySend))
	assert.Equal(t, entities.ActivityDelivery, ActivityFor(entities.RetryDelivery))
	assert.Equal(t, entities.ActivityNotification, ActivityFor(entities.RetryNotification))
	assert.Equal(t, entities.ActivityPiggyBack, ActivityFor(entities.RetryPiggyBack))
}
