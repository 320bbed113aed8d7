package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
)

type memPersister struct {
	records []entities.Record
	retries []*entities.RetryReliability
}

func (p *memPersister) SaveRecord(_ context.Context, rec entities.Record) error {
	p.records = append(p.records, rec)
	return nil
}

func (p *memPersister) SaveRetry(_ context.Context, row *entities.RetryReliability) error {
	p.retries = append(p.retries, row)
	return nil
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Success, Classify(nil))
	assert.Equal(t, RetryableFail, Classify(faults.Transient("connection refused", nil)))
	assert.Equal(t, FatalFail, Classify(faults.Protocol(message.CodeProcessingModeMismatch, "no pmode")))
	assert.Equal(t, FatalFail, Classify(errors.New("untyped")))
}

func TestEngine_SuccessCompletesActivity(t *testing.T) {
	p := &memPersister{}
	engine := NewEngine(p, nil, nil)
	rec := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID: "out-1", Operation: entities.OperationToBeSent,
	}}
	row, err := entities.NewRetryReliability(entities.RefToOutMessage("out-1"), entities.RetrySend, 3, time.Second)
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), rec, row, entities.ActivitySend, Success)
	require.NoError(t, err)
	assert.Equal(t, DecisionCompleted, decision)
	assert.Equal(t, entities.OperationSent, rec.Operation)
	assert.Equal(t, entities.StatusSent, rec.Status)
	assert.Equal(t, entities.RetryCompleted, row.Status)
}

func TestEngine_NoRetryRowMakesAnyFailureFatal(t *testing.T) {
	p := &memPersister{}
	engine := NewEngine(p, nil, nil)
	rec := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID: "out-1", Operation: entities.OperationToBeSent,
	}}

	decision, err := engine.Evaluate(context.Background(), rec, nil, entities.ActivitySend, RetryableFail)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeadLettered, decision)
	assert.Equal(t, entities.OperationDeadLettered, rec.Operation)
	assert.Equal(t, entities.StatusException, rec.Status)
}

func TestEngine_FatalWinsOverRetryBudget(t *testing.T) {
	p := &memPersister{}
	engine := NewEngine(p, nil, nil)
	rec := &entities.InMessage{MessageEntity: entities.MessageEntity{
		ID: "in-1", Operation: entities.OperationToBeDelivered,
	}}
	row, err := entities.NewRetryReliability(entities.RefToInMessage("in-1"), entities.RetryDelivery, 5, time.Second)
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), rec, row, entities.ActivityDelivery, FatalFail)
	require.NoError(t, err)
	assert.Equal(t, DecisionDeadLettered, decision)
	assert.Equal(t, entities.OperationDeadLettered, rec.Operation)
	assert.Equal(t, entities.RetryCompleted, row.Status)
}

func TestEngine_RetryableWithRowParksRecord(t *testing.T) {
	p := &memPersister{}
	engine := NewEngine(p, nil, nil)
	rec := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID: "out-1", Operation: entities.OperationToBeSent,
	}}
	row, err := entities.NewRetryReliability(entities.RefToOutMessage("out-1"), entities.RetrySend, 3, time.Second)
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), rec, row, entities.ActivitySend, RetryableFail)
	require.NoError(t, err)
	assert.Equal(t, DecisionScheduled, decision)
	assert.Equal(t, entities.OperationToBeRetried, rec.Operation)
	assert.Equal(t, entities.RetryPending, row.Status)
	// The counter only moves when the agent re-attempts.
	assert.Equal(t, 0, row.CurrentRetryCount)
}

func TestEngine_TerminalRecordIgnoresOutcome(t *testing.T) {
	p := &memPersister{}
	engine := NewEngine(p, nil, nil)
	rec := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID: "out-1", Operation: entities.OperationDeadLettered, Status: entities.StatusException,
	}}

	decision, err := engine.Evaluate(context.Background(), rec, nil, entities.ActivitySend, Success)
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnored, decision)
	assert.Equal(t, entities.OperationDeadLettered, rec.Operation)
	assert.Empty(t, p.records, "terminal records must not be rewritten")
}
