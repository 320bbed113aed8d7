package receivers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

func newOutMessage(op entities.Operation) *entities.OutMessage {
	return &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID:            uuid.New().String(),
		EbmsMessageID: uuid.New().String(),
		Operation:     op,
		InsertedAt:    time.Now(),
	}}
}

func TestDatastorePoller_HandsEachRowToTheHandlerOnce(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertOutMessage(ctx, newOutMessage(entities.OperationToBeSent)))
	}

	var mu sync.Mutex
	handled := map[string]int{}
	target := ForOutMessages(entities.OperationToBeSent, func(ctx context.Context, m *entities.OutMessage) error {
		mu.Lock()
		defer mu.Unlock()
		handled[m.ID]++
		return nil
	})

	p := NewDatastorePoller(s, target, PollerConfig{PollInterval: 10 * time.Millisecond}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 5
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	mu.Lock()
	defer mu.Unlock()
	for id, n := range handled {
		assert.Equal(t, 1, n, "row %s handled more than once", id)
	}
}

func TestDatastorePoller_ReleasesClaimAfterHandling(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	m := newOutMessage(entities.OperationToBeSent)
	require.NoError(t, s.InsertOutMessage(ctx, m))

	var once sync.Once
	done := make(chan struct{})
	target := ForOutMessages(entities.OperationToBeSent, func(ctx context.Context, row *entities.OutMessage) error {
		// Leave the operation untouched so only the claim release can
		// make the row pollable again.
		once.Do(func() { close(done) })
		return nil
	})

	p := NewDatastorePoller(s, target, PollerConfig{PollInterval: 10 * time.Millisecond}, nil, nil)
	p.Start(ctx)
	<-done
	p.Stop()

	require.Eventually(t, func() bool {
		rows, err := s.ClaimOutMessages(ctx, entities.OperationToBeSent, 1)
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond, "claim released after handler returned")
}

func TestDatastorePoller_ReportsHandlerErrors(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertOutMessage(ctx, newOutMessage(entities.OperationToBeSent)))

	boom := errors.New("downstream unavailable")
	errs := make(chan error, 1)
	target := ForOutMessages(entities.OperationToBeSent, func(ctx context.Context, m *entities.OutMessage) error {
		return boom
	})

	p := NewDatastorePoller(s, target, PollerConfig{PollInterval: 10 * time.Millisecond}, errs, nil)
	p.Start(ctx)
	defer p.Stop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("handler error never reached the error channel")
	}
}

func TestDatastorePoller_StopWaitsForInflightHandler(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertOutMessage(ctx, newOutMessage(entities.OperationToBeSent)))

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	target := ForOutMessages(entities.OperationToBeSent, func(ctx context.Context, m *entities.OutMessage) error {
		close(started)
		<-release
		finished = true
		return nil
	})

	p := NewDatastorePoller(s, target, PollerConfig{PollInterval: 10 * time.Millisecond}, nil, nil)
	p.Start(ctx)
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.True(t, finished)
}

func TestReaper_SweepReleasesExpiredClaims(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertOutMessage(ctx, newOutMessage(entities.OperationToBeSent)))
	_, err := s.ClaimOutMessages(ctx, entities.OperationToBeSent, 1)
	require.NoError(t, err)

	r := NewReaper(s, ReaperConfig{MaxAge: -time.Second}, nil)
	r.Sweep(ctx)

	rows, err := s.ClaimOutMessages(ctx, entities.OperationToBeSent, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "stranded claim is pollable again")
}

func TestFilePoller_PicksUpSettledFilesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "submit.xml")
	require.NoError(t, os.WriteFile(path, []byte("<Submit/>"), 0o640))

	var handled []string
	p := NewFilePoller(FilePollerConfig{Directory: dir, Debounce: 50 * time.Millisecond},
		func(ctx context.Context, path string) error {
			handled = append(handled, path)
			return nil
		}, nil)

	ctx := context.Background()

	// First scan only records the mtime; the debounce window has not
	// elapsed.
	p.Scan(ctx)
	assert.Empty(t, handled)

	time.Sleep(60 * time.Millisecond)
	p.Scan(ctx)
	require.Len(t, handled, 1)
	assert.Equal(t, path+suffixProcessing, handled[0])

	_, err := os.Stat(path + suffixAccepted)
	assert.NoError(t, err, "processed file moved to .accepted")

	p.Scan(ctx)
	assert.Len(t, handled, 1, "terminal files are not picked up again")
}

func TestFilePoller_FailedHandlerMovesFileToException(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.xml")
	require.NoError(t, os.WriteFile(path, []byte("<Submit"), 0o640))

	p := NewFilePoller(FilePollerConfig{Directory: dir, Debounce: time.Millisecond},
		func(ctx context.Context, path string) error {
			return errors.New("malformed submit message")
		}, nil)

	ctx := context.Background()
	p.Scan(ctx)
	time.Sleep(5 * time.Millisecond)
	p.Scan(ctx)

	_, err := os.Stat(path + suffixException)
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFilePoller_ModifiedFileRestartsDebounce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "growing.xml")
	require.NoError(t, os.WriteFile(path, []byte("<Sub"), 0o640))

	var handled int
	p := NewFilePoller(FilePollerConfig{Directory: dir, Debounce: time.Hour},
		func(ctx context.Context, path string) error {
			handled++
			return nil
		}, nil)
	// Deterministic clock so the hour-long window can be crossed.
	clock := time.Now()
	p.now = func() time.Time { return clock }

	ctx := context.Background()
	p.Scan(ctx)
	assert.Zero(t, handled)

	// The writer appends more content; the new mtime restarts the
	// window even though the clock has advanced past it.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("<Submit/>"), 0o640))
	clock = clock.Add(2 * time.Hour)
	p.Scan(ctx)
	assert.Zero(t, handled)

	clock = clock.Add(2 * time.Hour)
	p.Scan(ctx)
	assert.Equal(t, 1, handled)
}
