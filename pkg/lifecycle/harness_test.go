package lifecycle

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/annoflow/pkg/coldstore/memvault"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/jobrecord/memstore"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/provider/file"
	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/queue/memqueue"
	"github.com/3leaps/annoflow/pkg/workarea"
)

const (
	inputBucket   = "inputs"
	resultsBucket = "results"
	resultsPrefix = "annotated"
	testInput     = "sample.vcf"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLauncher struct {
	mu       sync.Mutex
	requests []workarea.LaunchRequest
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, req workarea.LaunchRequest) (*workarea.Launch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &workarea.Launch{
		JobID:         req.JobID,
		UserID:        req.UserID,
		InputFileName: req.InputFileName,
		InputPath:     req.InputPath,
		StartedAt:     time.Now().UTC(),
	}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, queue.Outbound) error { return f.err }

// harness wires every stage to in-memory backends:
//
//	requests topic -> dispatch queue
//	completed topic -> archive queue, notify queue
//	restore queue, thaw queue (direct sends)
type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *manualClock

	records  *memstore.Store
	broker   *memqueue.Broker
	vault    *memvault.Vault
	hot      *provider.Registry
	area     *workarea.Area
	launcher *fakeLauncher
	profiles *profile.Static

	dispatchQ, archiveQ, notifyQ, restoreQ, thawQ *memqueue.Queue

	submitter  *Submitter
	dispatcher *Dispatcher
	reporter   *Reporter
	archiver   *Archiver
	restorer   *RestoreInitiator
	thawer     *Thawer
	upgrader   *Upgrader
}

func newHarness(t *testing.T, vaultOpts ...memvault.Option) *harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := zaptest.NewLogger(t)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clock,
		records:  memstore.New(),
		broker:   memqueue.NewBroker(memqueue.WithClock(clock.Now)),
		vault:    memvault.New(vaultOpts...),
		hot:      provider.NewRegistry(provider.ProviderFile, file.Opener(t.TempDir())),
		area:     workarea.New(filepath.Join(t.TempDir(), "work")),
		launcher: &fakeLauncher{},
		profiles: profile.NewStatic(map[string]profile.Tier{"U1": profile.TierFree, "P1": profile.TierPaid}, ""),
	}
	t.Cleanup(func() { _ = h.hot.Close() })

	h.broker.Subscribe("requests", "dispatch")
	h.broker.Subscribe("completed", "archive")
	h.broker.Subscribe("completed", "notify")
	h.dispatchQ = h.broker.Queue("dispatch")
	h.archiveQ = h.broker.Queue("archive")
	h.notifyQ = h.broker.Queue("notify")
	h.restoreQ = h.broker.Queue("restore")
	h.thawQ = h.broker.Queue("thaw")

	results, err := h.hot.Bucket(h.ctx, resultsBucket)
	require.NoError(t, err)

	h.submitter = &Submitter{Records: h.records, Requests: h.broker.Topic("requests"), Logger: logger.Named("submit"), Now: clock.Now}
	h.dispatcher = &Dispatcher{Records: h.records, Inputs: h.hot, Area: h.area, Launcher: h.launcher, Logger: logger.Named("dispatch")}
	h.reporter = &Reporter{
		Records:       h.records,
		Area:          h.area,
		Results:       results,
		ResultsScheme: provider.ProviderFile,
		ResultsBucket: resultsBucket,
		ResultsPrefix: resultsPrefix,
		Notify:        h.broker.Topic("completed"),
		Logger:        logger.Named("complete"),
		Now:           clock.Now,
	}
	h.archiver = &Archiver{
		Records:       h.records,
		Profiles:      h.profiles,
		Hot:           h.hot,
		Vault:         h.vault,
		FreeRetention: DefaultFreeRetention,
		Logger:        logger.Named("archive"),
		Now:           clock.Now,
	}
	h.restorer = &RestoreInitiator{Records: h.records, Vault: h.vault, Thaw: h.thawQ, Logger: logger.Named("restore")}
	h.thawer = &Thawer{Records: h.records, Hot: h.hot, Vault: h.vault, PollInterval: time.Minute, Logger: logger.Named("thaw")}
	h.upgrader = &Upgrader{Records: h.records, Restore: h.restoreQ, Profiles: h.profiles, Logger: logger.Named("upgrade")}
	return h
}

func (h *harness) poller(name string, q *memqueue.Queue, handler Handler) *Poller {
	return NewPoller(name, q, handler, zaptest.NewLogger(h.t), PollerConfig{WaitTime: time.Millisecond})
}

// runOnce processes one batch from q and returns the poller for stats.
func (h *harness) runOnce(name string, q *memqueue.Queue, handler Handler) *Poller {
	h.t.Helper()
	p := h.poller(name, q, handler)
	_, err := p.RunOnce(h.ctx)
	require.NoError(h.t, err)
	return p
}

func (h *harness) putInput(userID, name, content string) string {
	h.t.Helper()
	store, err := h.hot.Bucket(h.ctx, inputBucket)
	require.NoError(h.t, err)
	key := userID + "/" + name
	require.NoError(h.t, store.PutObject(h.ctx, key, strings.NewReader(content), int64(len(content))))
	return provider.Location{Provider: provider.ProviderFile, Bucket: inputBucket, Key: key}.String()
}

func (h *harness) submit(userID string) *jobrecord.Record {
	h.t.Helper()
	rec, err := h.submitter.Submit(h.ctx, SubmitRequest{
		UserID:               userID,
		UserEmail:            strings.ToLower(userID) + "@example.com",
		InputStorageLocation: h.putInput(userID, testInput, "##fileformat=VCFv4.2\n"),
	})
	require.NoError(h.t, err)
	return rec
}

// annotate simulates the annotation process writing its two artifacts.
func (h *harness) annotate(jobID string) {
	h.t.Helper()
	dir := h.area.JobDir(jobID)
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, "sample.annot.vcf"), []byte("annotated result"), 0o644))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, "sample.vcf.count.log"), []byte("count log"), 0o644))
}

func (h *harness) report(rec *jobrecord.Record) (*jobrecord.Record, error) {
	return h.reporter.Report(h.ctx, Report{JobID: rec.JobID, UserID: rec.UserID, InputFileName: rec.InputFileName})
}

// complete drives a submitted job through dispatch and completion.
func (h *harness) complete(userID string) *jobrecord.Record {
	h.t.Helper()
	rec := h.submit(userID)
	h.runOnce("dispatch", h.dispatchQ, h.dispatcher)
	h.annotate(rec.JobID)
	done, err := h.report(rec)
	require.NoError(h.t, err)
	return done
}

func (h *harness) get(jobID string) *jobrecord.Record {
	h.t.Helper()
	rec, err := h.records.Get(h.ctx, jobID)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) hotObject(uri string) (string, bool) {
	h.t.Helper()
	loc, err := provider.ParseLocation(uri)
	require.NoError(h.t, err)
	store, err := h.hot.For(h.ctx, loc)
	require.NoError(h.t, err)
	body, _, err := store.GetObject(h.ctx, loc.Key)
	if provider.IsNotFound(err) {
		return "", false
	}
	require.NoError(h.t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(h.t, err)
	return string(data), true
}

// pastRetention moves the clock beyond the free-tier retention window.
func (h *harness) pastRetention() {
	h.clock.Advance(DefaultFreeRetention + time.Second)
}

// archived drives a free-tier job through completion and archiving.
func (h *harness) archived(userID string) *jobrecord.Record {
	h.t.Helper()
	done := h.complete(userID)
	h.pastRetention()
	require.NoError(h.t, h.archiver.Handle(h.ctx, event(h.t, SubjectCompleted, done)))
	rec := h.get(done.JobID)
	require.True(h.t, rec.Archived())
	return rec
}

// restoring drives a free-tier job through archiving and restore initiation.
func (h *harness) restoring(userID string) *jobrecord.Record {
	h.t.Helper()
	rec := h.archived(userID)
	require.NoError(h.t, h.restorer.Handle(h.ctx, event(h.t, SubjectRestore, rec)))
	rec = h.get(rec.JobID)
	require.True(h.t, rec.Restoring())
	return rec
}

func event(t *testing.T, subject string, v any) queue.Message {
	t.Helper()
	out, err := encode(subject, v)
	require.NoError(t, err)
	return queue.Message{ID: subject, ReceiptHandle: subject, Body: out.Body}
}

func message(body string) queue.Message {
	return queue.Message{ID: "m-1", ReceiptHandle: "r-1", Body: []byte(body)}
}

var errBoom = errors.New("boom")

// hookedStore runs test hooks around handle writes on an inner store.
type hookedStore struct {
	jobrecord.Store

	// beforeArchive and beforeRetrieval run before the write reaches the
	// inner store, simulating a competing consumer.
	beforeArchive   func(jobID string)
	beforeRetrieval func(jobID string)

	// archiveErr is returned after a committed SetArchiveHandle, once.
	archiveErr error
}

func (s *hookedStore) SetArchiveHandle(ctx context.Context, jobID, handle string) (*jobrecord.Record, error) {
	if s.beforeArchive != nil {
		s.beforeArchive(jobID)
	}
	rec, err := s.Store.SetArchiveHandle(ctx, jobID, handle)
	if err == nil && s.archiveErr != nil {
		err, s.archiveErr = s.archiveErr, nil
		return nil, err
	}
	return rec, err
}

func (s *hookedStore) SetRetrievalHandle(ctx context.Context, jobID, handle string) (*jobrecord.Record, error) {
	if s.beforeRetrieval != nil {
		s.beforeRetrieval(jobID)
	}
	return s.Store.SetRetrievalHandle(ctx, jobID, handle)
}

// hook swaps the archiver and restorer onto a hookedStore over h.records.
func (h *harness) hook() *hookedStore {
	hs := &hookedStore{Store: h.records}
	h.archiver.Records = hs
	h.restorer.Records = hs
	return hs
}

func (h *harness) drain(q *memqueue.Queue) []queue.Message {
	h.t.Helper()
	msgs, err := q.Receive(h.ctx, queue.ReceiveOptions{MaxMessages: 10})
	require.NoError(h.t, err)
	return msgs
}
