// Package controller implements debounced marker-edit recomputation,
// per-source request lifecycle management, aggregation of emitted
// ProfileData into per-source ProjectedEntry batches, and
// orthographic-camera scale derivation from the aggregate projected box.
package controller

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soypat/ptprofile/batch"
	"github.com/soypat/ptprofile/nodecache"
	"github.com/soypat/ptprofile/profile"
	"github.com/soypat/ptprofile/profilereq"
	"github.com/soypat/ptprofile/segfilter"
)

// Logger receives diagnostic messages. A bare variadic sink, off by
// default; callers wire fmt.Println or their own formatter.
type Logger func(args ...any)

// Config holds the recognized tuning options.
type Config struct {
	// Threshold is the cumulative accepted-point count above which all live
	// requests are told to FinishLevelThenCancel (default 60000).
	Threshold int
	// DebounceMs is the leading-edge debounce window for Recompute (default
	// 100).
	DebounceMs int
	// MaxNodesPerUpdate bounds how many loaded nodes one ProfileRequest.Update
	// promotes to filtering per tick (default 1).
	MaxNodesPerUpdate int
	// FilterYieldBudgetMs bounds how long segfilter.Step runs before
	// yielding (default 4).
	FilterYieldBudgetMs int
	// BatchCapacity is the per-ProjectedEntry batch size (default 10000).
	BatchCapacity int
	// MaxDepth bounds octree traversal depth (default unbounded).
	MaxDepth uint32
}

// DefaultConfig returns the default tuning options.
func DefaultConfig() Config {
	return Config{
		Threshold:           60000,
		DebounceMs:          100,
		MaxNodesPerUpdate:   1,
		FilterYieldBudgetMs: 4,
		BatchCapacity:       10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = d.DebounceMs
	}
	if c.MaxNodesPerUpdate <= 0 {
		c.MaxNodesPerUpdate = d.MaxNodesPerUpdate
	}
	if c.FilterYieldBudgetMs <= 0 {
		c.FilterYieldBudgetMs = d.FilterYieldBudgetMs
	}
	if c.BatchCapacity <= 0 {
		c.BatchCapacity = d.BatchCapacity
	}
	return c
}

// sourceEntry tracks one added OctreeSource's live request and aggregated
// output, keyed by a uuid stamped at AddPointCloud time rather than pointer
// identity.
type sourceEntry struct {
	id      uuid.UUID
	source  profilereq.OctreeSource
	request *profilereq.ProfileRequest
	output  *batch.ProjectedEntry
}

// OrthoCamera is the external collaborator SetScaleFromDimensions orients.
// Camera control lives with the viewer shell; this is the minimal surface
// this package needs to drive one.
type OrthoCamera interface {
	SetCenter(center profile.Vec3)
	SetHalfExtents(halfWidth, halfHeight float32)
}

// Controller is ProfileController: it owns the current Profile subscription,
// one ProfileRequest per visible added point cloud source, and the
// per-source ProjectedEntry aggregation.
type Controller struct {
	cfg   Config
	log   Logger
	cache *nodecache.Cache
	now   func() time.Time
	pub   publisher

	prof    *profile.Profile
	profSub profile.Subscription

	sources []*sourceEntry

	pointsServed int

	debounceArmed bool
	nextRunAt     time.Time
}

// New creates a Controller. cfg's zero-valued fields take the
// DefaultConfig values. log may be nil (silent). cache, if non-nil, is
// passed through to every spawned ProfileRequest as the node LRU it
// touches; nil is valid, meaning no cache integration.
func New(cfg Config, log Logger, cache *nodecache.Cache) *Controller {
	return &Controller{
		cfg:   cfg.withDefaults(),
		log:   log,
		cache: cache,
		now:   time.Now,
	}
}

// SetClock overrides the wall clock used for debounce gating, the way
// segfilter.Filter.Now is injected so tests can make timing-dependent
// behavior deterministic. now defaults to time.Now.
func (c *Controller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Controller) logf(args ...any) {
	if c.log != nil {
		c.log(args...)
	}
}

// AddListener subscribes fn to every recomputed_segment/recompute_finished
// event this controller emits.
func (c *Controller) AddListener(fn Listener) Subscription { return c.pub.subscribe(fn) }

// RemoveListener unsubscribes a previously added listener.
func (c *Controller) RemoveListener(sub Subscription) { c.pub.unsubscribe(sub) }

// SetProfile assigns the Profile this controller tracks, tearing down the
// previous subscription first and subscribing Recompute to the new
// Profile's mutation events.
func (c *Controller) SetProfile(p *profile.Profile) {
	if c.prof != nil {
		c.prof.RemoveListener(c.profSub)
	}
	c.prof = p
	if p != nil {
		c.profSub = p.AddListener(func(profile.Event) { c.Recompute() })
	}
}

// AddPointCloud registers source for profile extraction, stamping a fresh
// uuid for its aggregation-map entry. Returns the id so callers can later
// RemovePointCloud or look up its ProjectedEntry.
func (c *Controller) AddPointCloud(source profilereq.OctreeSource) uuid.UUID {
	id := uuid.New()
	c.sources = append(c.sources, &sourceEntry{id: id, source: source})
	return id
}

// RemovePointCloud cancels source's live request (if any), drops its
// aggregated output, and stops tracking it.
func (c *Controller) RemovePointCloud(source profilereq.OctreeSource) {
	for i, se := range c.sources {
		if se.source == source {
			if se.request != nil {
				se.request.Cancel()
			}
			c.sources = append(c.sources[:i], c.sources[i+1:]...)
			return
		}
	}
}

// SourceID returns the uuid stamped for source at AddPointCloud time,
// ok=false if source was never added.
func (c *Controller) SourceID(source profilereq.OctreeSource) (id uuid.UUID, ok bool) {
	for _, se := range c.sources {
		if se.source == source {
			return se.id, true
		}
	}
	return uuid.UUID{}, false
}

// Output returns the ProjectedEntry aggregating source's accepted points so
// far, ok=false if source was never added or no recompute has spawned a
// request for it yet. The entry is created when the request is spawned, so it
// may still hold zero points.
func (c *Controller) Output(source profilereq.OctreeSource) (entry *batch.ProjectedEntry, ok bool) {
	for _, se := range c.sources {
		if se.source == source {
			return se.output, se.output != nil
		}
	}
	return nil, false
}

// ProjectedBox returns the union of every source's aggregated projected
// bounding box, ok=false if nothing has been aggregated yet.
func (c *Controller) ProjectedBox() (bb profile.Box3, ok bool) {
	for _, se := range c.sources {
		if se.output == nil {
			continue
		}
		entryBox, entryOK := se.output.ProjectedBox()
		if !entryOK {
			continue
		}
		if !ok {
			bb = entryBox
			ok = true
			continue
		}
		bb = bb.Union(entryBox)
	}
	return bb, ok
}

// Recompute requests a re-extraction of every visible added source against
// the current Profile. It applies a true leading-edge debounce: a call
// within DebounceMs of the last actual run schedules a deferred run at
// lastRun+DebounceMs and drops itself; further calls before that deferred
// run fires are dropped too.
// Tick must be called for the deferred run to actually fire.
func (c *Controller) Recompute() {
	now := c.now()
	if c.debounceArmed {
		return // a deferred run is already scheduled; drop this call.
	}
	if !c.nextRunAt.IsZero() && now.Before(c.nextRunAt) {
		c.debounceArmed = true
		return
	}
	c.recomputeNow(now)
}

// Tick drives every live request one Update() step and fires a deferred
// debounced Recompute if its time has come. Call once per host frame.
func (c *Controller) Tick() {
	now := c.now()
	if c.debounceArmed && !now.Before(c.nextRunAt) {
		c.debounceArmed = false
		c.recomputeNow(now)
	}
	for _, se := range c.sources {
		if se.request == nil {
			continue
		}
		done, err := se.request.Update()
		if err != nil {
			c.logf("controller: request error:", err)
		}
		if done {
			se.request = nil
		}
	}
}

// recomputeNow performs the actual re-extraction: cancels any live
// requests, validates the profile (an invalid one is a no-op, not an
// error), and spawns one ProfileRequest per visible source.
func (c *Controller) recomputeNow(now time.Time) {
	c.nextRunAt = now.Add(time.Duration(c.cfg.DebounceMs) * time.Millisecond)
	for _, se := range c.sources {
		if se.request != nil {
			se.request.Cancel()
			se.request = nil
		}
	}
	if c.prof == nil {
		return
	}
	segments, err := c.prof.DeriveSegments()
	if err != nil {
		// InvalidProfile: fewer than 2 markers, or width<=0 rejected earlier
		// by profile.New/SetWidth. recompute is a no-op.
		return
	}
	width := c.prof.Width()
	c.pointsServed = 0
	spawned := 0
	for _, se := range c.sources {
		if !se.source.Visible() {
			continue // SourceHidden: skipped, not an error.
		}
		spawned++
		se.output = batch.NewProjectedEntry(c.cfg.BatchCapacity)
		entry := se
		entry.request = profilereq.New(entry.source, segments, width, profilereq.Callbacks{
			OnProgress: func(data *profilereq.ProfileData) { c.onProgress(entry, data) },
			OnFinish:   func() { entry.output.Finish() },
			OnCancel:   func() {},
			OnWarning:  func(err error) { c.logf(fmt.Sprintf("controller: %v", err)) },
		}, profilereq.Options{
			MaxDepth:          c.cfg.MaxDepth,
			MaxNodesPerUpdate: c.cfg.MaxNodesPerUpdate,
			Filter:            segfilter.Filter{YieldBudget: time.Duration(c.cfg.FilterYieldBudgetMs) * time.Millisecond},
			Cache:             c.cache,
		})
	}
	c.logf(fmt.Sprintf("controller: recompute spawned %d request(s)", spawned))
}

// onProgress aggregates one ProfileData emission into se's ProjectedEntry,
// publishes the per-segment and per-batch events, then checks the
// points-served threshold.
func (c *Controller) onProgress(se *sourceEntry, data *profilereq.ProfileData) {
	for i := range data.Segments {
		seg := &data.Segments[i]
		if seg.Points.Len() == 0 {
			continue
		}
		se.output.Append(seg.Points)
		c.pointsServed += seg.Points.Len()
		c.pub.emit(Event{Kind: RecomputedSegment, Segment: *seg})
	}
	c.pub.emit(Event{Kind: RecomputeFinished})
	if c.pointsServed > c.cfg.Threshold {
		c.FinishLevelThenCancel()
	}
}

// FinishLevelThenCancel requests every live request gracefully drain at its
// currently-served level.
func (c *Controller) FinishLevelThenCancel() {
	for _, se := range c.sources {
		if se.request != nil {
			se.request.FinishLevelThenCancel()
		}
	}
}

// Reset cancels every live request, drops aggregated output, and detaches
// the current Profile subscription.
func (c *Controller) Reset() {
	for _, se := range c.sources {
		if se.request != nil {
			se.request.Cancel()
			se.request = nil
		}
		se.output = nil
	}
	c.pointsServed = 0
	c.nextRunAt = time.Time{}
	c.debounceArmed = false
	if c.prof != nil {
		c.prof.RemoveListener(c.profSub)
		c.prof = nil
	}
}

// SetScaleFromDimensions computes the orthographic scale that fits the
// aggregate ProjectedBox into a w×h viewport and orients cam to center on
// it: sx = w/Δx, sy = h/Δz of the projected box (the
// mileage and elevation axes), then takes the min of the two so the
// projected box's aspect ratio is preserved rather than stretched
// independently per axis, and cam's half-extents are (w/2·s, h/2·s) with
// that shared scale. ok is false if nothing has been aggregated yet.
func (c *Controller) SetScaleFromDimensions(w, h float32, cam OrthoCamera) (sx, sy float32, ok bool) {
	bb, ok := c.ProjectedBox()
	if !ok {
		return 0, 0, false
	}
	dx := bb.Max.X - bb.Min.X
	dz := bb.Max.Z - bb.Min.Z
	if dx <= 0 || dz <= 0 {
		return 0, 0, false
	}
	sx = w / dx
	sy = h / dz
	s := sx
	if sy < s {
		s = sy
	}
	if cam != nil {
		cam.SetCenter(bb.Center())
		cam.SetHalfExtents(w/2*s, h/2*s)
	}
	return sx, sy, true
}
