// Package archive mirrors every artifact handed to the downlink into a lode
// store so ground test rigs can compare what the satellite sent with what
// the ground station received.
//
// Each artifact is stored verbatim under missions/mission=<id>/<name>, and
// a delivery record is appended to the "deliveries" dataset, partitioned
// by mission.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/justapithecus/lode/lode"

	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/log"
	"github.com/satlla/obc/metrics"
	"github.com/satlla/obc/queue"
)

// DatasetID names the delivery record dataset.
const DatasetID = "deliveries"

// DefaultTimeout bounds one artifact write.
const DefaultTimeout = 5 * time.Second

// Record kinds.
const RecordKindDelivery = "delivery"

// Archive writes delivered artifacts to a lode store.
type Archive struct {
	factory lode.StoreFactory
	dataset lode.Dataset
	bootID  string
	timeout time.Duration
	logger  *log.Logger
	metrics *metrics.Collector
	now     func() time.Time

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for write failures.
func WithLogger(l *log.Logger) Option { return func(a *Archive) { a.logger = l } }

// WithMetrics sets the collector for archive write counters.
func WithMetrics(m *metrics.Collector) Option { return func(a *Archive) { a.metrics = m } }

// WithTimeout bounds each write.
func WithTimeout(d time.Duration) Option { return func(a *Archive) { a.timeout = d } }

// WithBootID tags delivery records with the boot they happened in.
func WithBootID(id string) Option { return func(a *Archive) { a.bootID = id } }

// New creates an archive on the given store factory. Use
// lode.NewMemoryFactory() in tests.
func New(factory lode.StoreFactory, opts ...Option) (*Archive, error) {
	ds, err := NewDataset(factory)
	if err != nil {
		return nil, wrap("init", DatasetID, err)
	}
	a := &Archive{
		factory: factory,
		dataset: ds,
		timeout: DefaultTimeout,
		logger:  log.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewFS creates an archive rooted at a local directory.
func NewFS(root string, opts ...Option) (*Archive, error) {
	return New(lode.NewFSFactory(root), opts...)
}

// NewDataset opens the delivery record dataset. Readers and the writer use
// the same layout and codec.
func NewDataset(factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(DatasetID),
		factory,
		lode.WithHiveLayout("mission"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// ArtifactPath is the store key of a delivered artifact.
func ArtifactPath(missionID uint32, name string) string {
	return fmt.Sprintf("missions/mission=%d/%s", missionID, name)
}

// Store writes one artifact and its delivery record.
func (a *Archive) Store(ctx context.Context, item *queue.Item) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	store, err := a.getOrCreateStore()
	if err != nil {
		return wrap("init", "store", err)
	}
	path := ArtifactPath(item.MissionID, item.Name)
	if err := store.Put(ctx, path, bytes.NewReader(item.Payload)); err != nil {
		return wrap("write", path, err)
	}

	record := map[string]any{
		"record_kind":  RecordKindDelivery,
		"delivery_id":  uuid.NewString(),
		"mission":      strconv.FormatUint(uint64(item.MissionID), 10),
		"name":         item.Name,
		"type":         int(item.Type),
		"bytes":        len(item.Payload),
		"path":         path,
		"boot_id":      a.bootID,
		"delivered_at": a.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := a.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return wrap("write", DatasetID, err)
	}
	return nil
}

// Delivered implements dispatch.DeliveryObserver. Failures are logged and
// counted, never returned to the dispatcher.
func (a *Archive) Delivered(ctx context.Context, item *queue.Item) {
	if err := a.Store(ctx, item); err != nil {
		a.metrics.IncArchiveWriteFailure()
		a.logger.Warn("archive write failed", map[string]any{
			"mission_id": item.MissionID,
			"name":       item.Name,
			"error":      err.Error(),
		})
		return
	}
	a.metrics.IncArchiveWriteSuccess()
}

func (a *Archive) getOrCreateStore() (lode.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = a.factory()
	})
	return a.store, a.storeErr
}

// Deliveries returns every delivery record for a mission, oldest first.
// Records seen in more than one snapshot are reported once.
func Deliveries(ctx context.Context, ds lode.Dataset, missionID uint32) ([]map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, wrap("read", DatasetID, err)
	}
	want := strconv.FormatUint(uint64(missionID), 10)

	seen := make(map[string]struct{})
	var out []map[string]any
	for _, snap := range snapshots {
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap("read", fmt.Sprintf("%s/%s", DatasetID, snap.ID), err)
		}
		for _, item := range data {
			rec, ok := item.(map[string]any)
			if !ok || rec["record_kind"] != RecordKindDelivery {
				continue
			}
			if m, _ := rec["mission"].(string); m != want {
				continue
			}
			id, _ := rec["delivery_id"].(string)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

var _ dispatch.DeliveryObserver = (*Archive)(nil)
