package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/pony/internal/artifact"
	"github.com/k11v/pony/internal/notify"
	"github.com/k11v/pony/internal/result"
)

const (
	// DefaultBuildAllowance is how long a reservation without an explicit
	// allowance and without a prior build duration is honored.
	DefaultBuildAllowance = time.Hour

	// MaxBuildAllowance caps client-requested allowances. Requests above the
	// cap are clamped, not rejected.
	MaxBuildAllowance = 4 * time.Hour

	// indexWindow bounds the in-memory secondary indexes. Records older than
	// the window stay in the store but become invisible to queries.
	indexWindow = 7 * 24 * time.Hour
)

var (
	ErrUnknownAuthKey       = errors.New("unknown auth key")
	ErrUploadsNotConfigured = errors.New("file uploads not configured")
	ErrNotFound             = result.ErrNotFound
)

// Config holds the coordinator's optional collaborators and tunables.
type Config struct {
	// FileBudget is the sweep byte budget. Zero means artifact.DefaultBudget.
	FileBudget int64

	// Mirror, when set, receives a copy of every accepted upload.
	Mirror artifact.Mirror

	Logger *slog.Logger

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// Coordinator owns the build-scheduling policy: the per-tagset reservation
// lease, the force-build override table, the secondary indexes over the last
// seven days of the result store, and the upload auth-key table.
//
// One mutex serializes every operation. Key assignment, the store write and
// the index rebuild happen under it, so concurrent submissions cannot be
// assigned duplicate keys.
type Coordinator struct {
	config    *Config
	store     result.Store
	catalog   artifact.Catalog
	files     *artifact.FileStore
	listeners []notify.Listener
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	byPackage map[string][]int64
	byHost    map[string][]int64
	byArch    map[string][]int64

	reservations map[string]reservation
	requests     map[string]bool
	authKeys     map[uuid.UUID]int64
}

// reservation is a soft lease: it indicates a build for a tagset is believed
// to be running. Stale entries are ignored by time comparison, never deleted.
type reservation struct {
	madeAt    time.Time
	allowance time.Duration
	explicit  bool
}

// New builds the secondary indexes from the store before returning.
// catalog and files may be nil when file uploads are not served.
func New(ctx context.Context, config *Config, store result.Store, catalog artifact.Catalog, files *artifact.FileStore, listeners ...notify.Listener) (*Coordinator, error) {
	if config == nil {
		config = &Config{}
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		config:       config,
		store:        store,
		catalog:      catalog,
		files:        files,
		listeners:    listeners,
		log:          log.With("component", "coordinator"),
		now:          now,
		reservations: make(map[string]reservation),
		requests:     make(map[string]bool),
		authKeys:     make(map[uuid.UUID]int64),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rebuildIndexes(ctx); err != nil {
		return nil, fmt.Errorf("coordinator.New: %w", err)
	}
	return c, nil
}

type AddResultsParams struct {
	ClientIP   string
	ClientInfo *result.ClientInfo
	Results    []result.StepResult
}

type AddResultsResult struct {
	ResultKey int64
	AuthKey   uuid.UUID
}

// AddResults stores one build submission under the next free key, rebuilds
// the indexes, and registers an auth key that authorizes file uploads for
// this submission. Listener failures are logged and do not fail the call.
func (c *Coordinator) AddResults(ctx context.Context, params *AddResultsParams) (*AddResultsResult, error) {
	if err := params.ClientInfo.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator.AddResults: %w", err)
	}

	r, err := c.addResults(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("coordinator.AddResults: %w", err)
	}

	for _, l := range c.listeners {
		if err := l.NotifyResultAdded(ctx, r.ResultKey); err != nil {
			c.log.Error("listener failed", "result_key", r.ResultKey, "error", err)
		}
	}
	return r, nil
}

func (c *Coordinator) addResults(ctx context.Context, params *AddResultsParams) (*AddResultsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var key int64 = 0
	if len(keys) > 0 {
		key = keys[len(keys)-1] + 1
	}

	now := c.now()
	record := &result.Record{
		Receipt: result.Receipt{
			Time:      float64(now.UnixNano()) / float64(time.Second),
			ClientIP:  params.ClientIP,
			ResultKey: key,
		},
		ClientInfo: *params.ClientInfo,
		Results:    params.Results,
	}

	if err = c.store.Set(ctx, key, record); err != nil {
		return nil, err
	}
	if err = c.store.Sync(ctx); err != nil {
		return nil, err
	}
	if err = c.rebuildIndexes(ctx); err != nil {
		return nil, err
	}

	authKey := uuid.New()
	c.authKeys[authKey] = key

	return &AddResultsResult{ResultKey: key, AuthKey: authKey}, nil
}

type CheckShouldBuildParams struct {
	ClientInfo *result.ClientInfo

	// KeepRequest leaves a consumed force-build flag in place.
	KeepRequest bool

	// Reserve records a reservation in the same critical section when the
	// decision is to build, closing the check-then-reserve race.
	Reserve bool

	// ReserveAllowance is the allowance recorded with such a reservation.
	// Nil means no explicit allowance.
	ReserveAllowance *time.Duration
}

type CheckShouldBuildResult struct {
	Build  bool
	Reason string
}

// CheckShouldBuild decides whether the client should run a build for its
// configuration now.
func (c *Coordinator) CheckShouldBuild(ctx context.Context, params *CheckShouldBuildParams) (*CheckShouldBuildResult, error) {
	if err := params.ClientInfo.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator.CheckShouldBuild: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := result.NewTagSet(params.ClientInfo, nil)
	r, err := c.checkShouldBuild(ctx, params, ts)
	if err != nil {
		return nil, fmt.Errorf("coordinator.CheckShouldBuild: %w", err)
	}

	if params.Reserve && r.Build {
		c.reserve(ts, params.ReserveAllowance)
	}
	return r, nil
}

func (c *Coordinator) checkShouldBuild(ctx context.Context, params *CheckShouldBuildParams, ts result.TagSet) (*CheckShouldBuildResult, error) {
	key := ts.Key()
	now := c.now()

	lastBuilds, err := c.uniqueTagsets(ctx, params.ClientInfo.Package, nil)
	if err != nil {
		return nil, err
	}
	last := lastBuilds[key]

	// A true force-build flag short-circuits everything and is one-shot
	// unless KeepRequest. A false flag is consulted only here and causes no
	// early return, so it is effectively inert.
	if requested, ok := c.requests[key]; ok && requested {
		if !params.KeepRequest {
			delete(c.requests, key)
		}
		return &CheckShouldBuildResult{Build: true, Reason: "build requested"}, nil
	}

	if resv, ok := c.reservations[key]; ok {
		allowance := resv.allowance
		if !resv.explicit {
			allowance = DefaultBuildAllowance
			if last != nil {
				allowance = time.Duration(last.ClientInfo.Duration * float64(time.Second))
			}
		}
		if now.Sub(resv.madeAt) < allowance {
			return &CheckShouldBuildResult{Build: false, Reason: "may be in build now"}, nil
		}
		// Stale reservation: ignored, never deleted.
	}

	if last == nil {
		reason := fmt.Sprintf("no build recorded for %s; build!", ts)
		return &CheckShouldBuildResult{Build: true, Reason: reason}, nil
	}

	if age := now.Sub(last.Receipt.SubmittedAt()); age >= 24*time.Hour {
		reason := fmt.Sprintf("last build was %s ago; do build!", age)
		return &CheckShouldBuildResult{Build: true, Reason: reason}, nil
	}
	if !last.ClientInfo.Success {
		return &CheckShouldBuildResult{Build: true, Reason: "last build was unsuccessful; go!"}, nil
	}

	return &CheckShouldBuildResult{Build: false, Reason: "build up to date"}, nil
}

type NotifyBuildParams struct {
	ClientInfo *result.ClientInfo

	// Allowance is how long the reservation should be honored.
	// Nil means no explicit allowance.
	Allowance *time.Duration
}

// NotifyBuild records that a build for the client's configuration is now in
// flight, overwriting any prior reservation for the same tagset.
func (c *Coordinator) NotifyBuild(ctx context.Context, params *NotifyBuildParams) error {
	if err := params.ClientInfo.Validate(); err != nil {
		return fmt.Errorf("coordinator.NotifyBuild: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.reserve(result.NewTagSet(params.ClientInfo, nil), params.Allowance)
	return nil
}

func (c *Coordinator) reserve(ts result.TagSet, allowance *time.Duration) {
	resv := reservation{madeAt: c.now()}
	if allowance != nil {
		resv.explicit = true
		resv.allowance = *allowance
		if resv.allowance > MaxBuildAllowance {
			resv.allowance = MaxBuildAllowance
		}
	}
	c.reservations[ts.Key()] = resv
}

// SetRequestBuild sets or overwrites the force-build flag for the client's
// configuration.
func (c *Coordinator) SetRequestBuild(ctx context.Context, info *result.ClientInfo, value bool) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("coordinator.SetRequestBuild: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[result.NewTagSet(info, nil).Key()] = value
	return nil
}

// TagsetRecord pairs a distinct tagset with its latest record.
type TagsetRecord struct {
	TagSet result.TagSet
	Record *result.Record
}

// UniqueTagsetsForPackage returns, for each distinct tagset of the package
// within the index window, the record with the latest receipt time. A
// strictly greater timestamp replaces; exact ties keep the record
// encountered first.
func (c *Coordinator) UniqueTagsetsForPackage(ctx context.Context, pkg string, opts *result.TagSetOptions) ([]TagsetRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.uniqueTagsets(ctx, pkg, opts)
	if err != nil {
		return nil, fmt.Errorf("coordinator.UniqueTagsetsForPackage: %w", err)
	}

	out := make([]TagsetRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, TagsetRecord{
			TagSet: result.NewTagSet(&r.ClientInfo, opts),
			Record: r,
		})
	}
	return out, nil
}

func (c *Coordinator) uniqueTagsets(ctx context.Context, pkg string, opts *result.TagSetOptions) (map[string]*result.Record, error) {
	latest := make(map[string]*result.Record)
	for _, key := range c.byPackage[pkg] {
		r, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		tsKey := result.NewTagSet(&r.ClientInfo, opts).Key()
		if prev, ok := latest[tsKey]; ok && r.Receipt.Time <= prev.Receipt.Time {
			continue
		}
		latest[tsKey] = r
	}
	return latest, nil
}

// TagsetsForPackage returns the distinct tagsets of the package within the
// index window.
func (c *Coordinator) TagsetsForPackage(ctx context.Context, pkg string, opts *result.TagSetOptions) ([]result.TagSet, error) {
	records, err := c.UniqueTagsetsForPackage(ctx, pkg, opts)
	if err != nil {
		return nil, fmt.Errorf("coordinator.TagsetsForPackage: %w", err)
	}

	tagsets := make([]result.TagSet, 0, len(records))
	for _, tr := range records {
		tagsets = append(tagsets, tr.TagSet)
	}
	return tagsets, nil
}

// LastResultForTagset scans the package's records in reverse insertion order
// and returns the first whose tagset equals ts. It returns ErrNotFound when
// the package has no records or none match.
func (c *Coordinator) LastResultForTagset(ctx context.Context, pkg string, ts result.TagSet) (*result.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byPackage[pkg]
	for i := len(keys) - 1; i >= 0; i-- {
		r, err := c.store.Get(ctx, keys[i])
		if err != nil {
			return nil, fmt.Errorf("coordinator.LastResultForTagset: %w", err)
		}
		if result.NewTagSet(&r.ClientInfo, nil).Equal(ts) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("coordinator.LastResultForTagset: %w", ErrNotFound)
}

// Result returns the stored record for a key, whether or not it is still
// inside the index window.
func (c *Coordinator) Result(ctx context.Context, key int64) (*result.Record, error) {
	r, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("coordinator.Result: %w", err)
	}
	return r, nil
}

func (c *Coordinator) AllPackages(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.byPackage)
}

func (c *Coordinator) AllArchs(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.byArch)
}

func (c *Coordinator) AllHosts(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.byHost)
}

// LastKeyForPackage returns the most recently inserted key for the package
// within the index window.
func (c *Coordinator) LastKeyForPackage(ctx context.Context, pkg string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lastKey(c.byPackage, pkg)
}

func (c *Coordinator) LastKeyForArch(ctx context.Context, arch string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lastKey(c.byArch, arch)
}

func (c *Coordinator) LastKeyForHost(ctx context.Context, host string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lastKey(c.byHost, host)
}

type AddUploadedFileParams struct {
	AuthKey     uuid.UUID
	Filename    string
	Content     []byte
	Description string
	Visible     bool
}

// AddUploadedFile accepts an artifact upload authorized by an auth key from
// AddResults. It writes the file under the owning result's subdirectory,
// appends a catalog entry, persists the catalog, mirrors the file when a
// mirror is configured, and sweeps. Mirror and sweep failures are logged;
// the upload still succeeds. It returns ErrUploadsNotConfigured when the
// coordinator was constructed without a catalog or a file store.
func (c *Coordinator) AddUploadedFile(ctx context.Context, params *AddUploadedFileParams) error {
	if c.files == nil || c.catalog == nil {
		return fmt.Errorf("coordinator.AddUploadedFile: %w", ErrUploadsNotConfigured)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.authKeys[params.AuthKey]
	if !ok {
		return fmt.Errorf("coordinator.AddUploadedFile: %w", ErrUnknownAuthKey)
	}

	f := artifact.UploadedFile{
		Subdir:      strconv.FormatInt(key, 10),
		Filename:    params.Filename,
		Description: params.Description,
		Visible:     params.Visible,
	}
	if err := c.files.Write(&f, params.Content); err != nil {
		return fmt.Errorf("coordinator.AddUploadedFile: %w", err)
	}

	files, err := c.catalog.Get(ctx, key)
	if err != nil && !errors.Is(err, artifact.ErrNotFound) {
		return fmt.Errorf("coordinator.AddUploadedFile: %w", err)
	}
	files = append(files, f)
	if err = c.catalog.Set(ctx, key, files); err != nil {
		return fmt.Errorf("coordinator.AddUploadedFile: %w", err)
	}
	if err = c.catalog.Sync(ctx); err != nil {
		return fmt.Errorf("coordinator.AddUploadedFile: %w", err)
	}

	if c.config.Mirror != nil {
		if err = c.config.Mirror.Upload(ctx, key, params.Filename, bytes.NewReader(params.Content)); err != nil {
			c.log.Error("artifact mirror failed", "result_key", key, "filename", params.Filename, "error", err)
		}
	}

	if err = c.files.Sweep(c.config.FileBudget); err != nil {
		c.log.Error("sweep failed", "error", err)
	}
	return nil
}

// UploadedFiles returns the catalog entries for a result key.
func (c *Coordinator) UploadedFiles(ctx context.Context, key int64) ([]artifact.UploadedFile, error) {
	if c.catalog == nil {
		return nil, nil
	}

	files, err := c.catalog.Get(ctx, key)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("coordinator.UploadedFiles: %w", err)
	}
	return files, nil
}

// rebuildIndexes scans store keys in descending order and stops at the first
// record older than the index window, so everything past it is discarded.
// Within the window each matching key is prepended, leaving each list in
// insertion order. The rebuild is full, not incremental, on every write.
// Callers hold c.mu.
func (c *Coordinator) rebuildIndexes(ctx context.Context) error {
	byPackage := make(map[string][]int64)
	byHost := make(map[string][]int64)
	byArch := make(map[string][]int64)

	keys, err := c.store.Keys(ctx)
	if err != nil {
		return err
	}

	cutoff := c.now().Add(-indexWindow)
	for i := len(keys) - 1; i >= 0; i-- {
		r, err := c.store.Get(ctx, keys[i])
		if err != nil {
			return err
		}
		if r.Receipt.SubmittedAt().Before(cutoff) {
			break
		}
		byPackage[r.ClientInfo.Package] = prepend(byPackage[r.ClientInfo.Package], keys[i])
		byHost[r.ClientInfo.Host] = prepend(byHost[r.ClientInfo.Host], keys[i])
		byArch[r.ClientInfo.Arch] = prepend(byArch[r.ClientInfo.Arch], keys[i])
	}

	c.byPackage = byPackage
	c.byHost = byHost
	c.byArch = byArch
	return nil
}

func prepend(keys []int64, key int64) []int64 {
	return append([]int64{key}, keys...)
}

func sortedKeys(m map[string][]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lastKey(m map[string][]int64, k string) (int64, bool) {
	keys := m[k]
	if len(keys) == 0 {
		return 0, false
	}
	return keys[len(keys)-1], true
}
