package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
)

// Store is the persistence gateway the resolver needs: the identity edge
// graph, the per-identifier resolution cache, and the append-only audit log.
// Implementations live in internal/store.
type Store interface {
	// CachedResolution returns the cache entry for an identifier, or nil on miss.
	CachedResolution(ctx context.Context, id domain.Identifier) (*domain.ResolutionCacheEntry, error)
	// UpsertResolution writes a cache entry, last-writer-wins on last_seen.
	UpsertResolution(ctx context.Context, entry domain.ResolutionCacheEntry) error
	// ResolutionsByUniversalID lists every cached identifier bound to a Universal ID.
	ResolutionsByUniversalID(ctx context.Context, universalID string) ([]domain.ResolutionCacheEntry, error)
	// UpsertEdge inserts an edge, deduping on the unordered pair and keeping
	// the maximum weight seen.
	UpsertEdge(ctx context.Context, edge domain.IdentityEdge) error
	// Neighbors returns all edges incident to an identifier.
	Neighbors(ctx context.Context, id domain.Identifier) ([]domain.IdentityEdge, error)
	// AppendAudit appends one resolution step record.
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Config controls resolution behavior. Zero values take the defaults below.
type Config struct {
	Weights          map[domain.IdentifierType]float64
	BFSDepth         int
	BFSBudget        int
	PhoneRegion      string
	DisableSynthesis bool
}

func (c Config) withDefaults() Config {
	if c.Weights == nil {
		c.Weights = domain.DefaultIdentifierWeights()
	}
	if c.BFSDepth == 0 {
		c.BFSDepth = 3
	}
	if c.BFSBudget == 0 {
		c.BFSBudget = 128
	}
	if c.PhoneRegion == "" {
		c.PhoneRegion = "US"
	}
	return c
}

// Resolver maps identifier sets to Universal IDs: deterministic cache hits
// first, then weight-ordered BFS over the edge graph, then synthesis.
type Resolver struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store, cfg Config) *Resolver {
	return &Resolver{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

// NewUniversalID generates a fresh Universal ID: "sf_" + 16 hex chars from
// a cryptographic RNG.
func NewUniversalID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "sf_" + hex.EncodeToString(b)
}

// Resolve maps a raw identifier set to a Universal ID. Re-running with any
// subset of the same identifiers returns the same Universal ID and ingests
// no duplicate edges.
func (r *Resolver) Resolve(ctx context.Context, raw RawIdentifiers) (*domain.Resolution, error) {
	if raw.Empty() {
		return nil, domain.E(domain.KindInvalidInput, "empty identifier set")
	}
	ids := raw.Normalize(r.cfg.PhoneRegion)
	if len(ids) == 0 {
		return nil, domain.E(domain.KindInvalidInput, "no usable identifiers after normalization")
	}

	res := &domain.Resolution{ResolutionID: "res_" + uuid.New().String()[:12]}

	// Step 1: deterministic hits, fixed priority order.
	if done, err := r.deterministicLookup(ctx, ids, res); err != nil {
		return nil, err
	} else if done {
		r.cacheRemaining(ctx, ids, res)
		return res, nil
	}

	// Step 2: probabilistic cache hits, then bounded BFS.
	if done, err := r.probabilisticLookup(ctx, ids, res); err != nil {
		return nil, err
	} else if done {
		r.cacheRemaining(ctx, ids, res)
		return res, nil
	}

	// Step 3: synthesize.
	if r.cfg.DisableSynthesis {
		return nil, domain.E(domain.KindIdentityUnresolved, "no mapping found and synthesis is disabled")
	}
	return r.synthesize(ctx, ids, res)
}

// LinkEdge inserts an undirected edge between two identifiers. The weight
// is 1.0 when either endpoint is deterministic; otherwise the lower of the
// two endpoint default weights, unless the source supplies its own.
func (r *Resolver) LinkEdge(ctx context.Context, a, b domain.Identifier, weight float64, source string) error {
	if a.Value == "" || b.Value == "" {
		return domain.E(domain.KindInvalidInput, "edge endpoints must be non-empty")
	}
	if a.Type.Deterministic() || b.Type.Deterministic() {
		weight = 1.0
	} else if weight <= 0 {
		wa, wb := r.weight(a.Type), r.weight(b.Type)
		if wa < wb {
			weight = wa
		} else {
			weight = wb
		}
	}
	now := r.now().UTC()
	return r.store.UpsertEdge(ctx, domain.IdentityEdge{
		A: a, B: b, Weight: weight, Source: source, CreatedAt: now, UpdatedAt: now,
	})
}

func (r *Resolver) weight(t domain.IdentifierType) float64 {
	if w, ok := r.cfg.Weights[t]; ok {
		return w
	}
	return domain.DefaultIdentifierWeights()[t]
}

func (r *Resolver) deterministicLookup(ctx context.Context, ids []domain.Identifier, res *domain.Resolution) (bool, error) {
	type hit struct {
		id    domain.Identifier
		entry *domain.ResolutionCacheEntry
	}
	var hits []hit
	for _, want := range domain.DeterministicPriority {
		for _, id := range ids {
			if id.Type != want {
				continue
			}
			entry, err := r.store.CachedResolution(ctx, id)
			if err != nil {
				return false, err
			}
			if entry != nil {
				hits = append(hits, hit{id, entry})
			}
		}
	}
	if len(hits) == 0 {
		return false, nil
	}

	winner := hits[0]
	// Conflicting deterministic hits: the older Universal ID wins, the loser
	// is merge-edged onto it and its cache rows repointed. Nothing is deleted.
	for _, h := range hits[1:] {
		if h.entry.UniversalID == winner.entry.UniversalID {
			continue
		}
		// The older Universal ID wins the merge.
		loser := h
		if h.entry.CreatedAt.Before(winner.entry.CreatedAt) {
			winner, loser = h, winner
		}
		if err := r.mergeConflict(ctx, winner.entry.UniversalID, loser.entry.UniversalID, res); err != nil {
			return false, err
		}
	}

	res.UniversalID = winner.entry.UniversalID
	res.Confidence = 1.0
	step := fmt.Sprintf("found_via_%s:%s", winner.id.Type, truncate(winner.id.Value, 8))
	res.Steps = append(res.Steps, step)
	if err := r.audit(ctx, res, winner.id, step, 1.0); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) mergeConflict(ctx context.Context, winnerUID, loserUID string, res *domain.Resolution) error {
	res.UniversalID = winnerUID
	now := r.now().UTC()
	err := r.store.UpsertEdge(ctx, domain.IdentityEdge{
		A:      domain.Identifier{Type: domain.TypeUniversalID, Value: winnerUID},
		B:      domain.Identifier{Type: domain.TypeUniversalID, Value: loserUID},
		Weight: 1.0, Source: "identity_merge", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	entries, err := r.store.ResolutionsByUniversalID(ctx, loserUID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		e.UniversalID = winnerUID
		e.LastSeen = now
		if err := r.store.UpsertResolution(ctx, e); err != nil {
			return err
		}
	}
	step := fmt.Sprintf("conflict_merged:%s<-%s", winnerUID, loserUID)
	res.Steps = append(res.Steps, step)
	logger.Warn("deterministic identity conflict merged",
		"winner", winnerUID, "loser", loserUID, "resolution_id", res.ResolutionID)
	return r.audit(ctx, res, domain.Identifier{Type: domain.TypeUniversalID, Value: loserUID}, step, 1.0)
}

func (r *Resolver) probabilisticLookup(ctx context.Context, ids []domain.Identifier, res *domain.Resolution) (bool, error) {
	for _, want := range domain.ProbabilisticPriority {
		for _, id := range ids {
			if id.Type != want {
				continue
			}
			entry, err := r.store.CachedResolution(ctx, id)
			if err != nil {
				return false, err
			}
			if entry != nil {
				res.UniversalID = entry.UniversalID
				res.Confidence = entry.Confidence
				step := fmt.Sprintf("found_via_%s:%s", id.Type, truncate(id.Value, 12))
				res.Steps = append(res.Steps, step)
				if err := r.audit(ctx, res, id, step, entry.Confidence); err != nil {
					return false, err
				}
				return true, nil
			}

			found, err := r.traverse(ctx, id, res)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
	}
	return false, nil
}

// traverse runs a depth- and budget-bounded BFS from the start identifier,
// exploring edges in decreasing weight order. It stops at the first endpoint
// with a known Universal ID; confidence is the minimum edge weight along the
// traversed path. Every identifier on the winning path is cached, each with
// the minimum edge weight between it and the endpoint.
func (r *Resolver) traverse(ctx context.Context, start domain.Identifier, res *domain.Resolution) (bool, error) {
	type node struct {
		id    domain.Identifier
		depth int
		minW  float64
	}
	key := func(id domain.Identifier) string { return string(id.Type) + "\x00" + id.Value }

	type pendingAudit struct {
		id   domain.Identifier
		step string
		conf float64
	}

	links := map[string]pathLink{key(start): {id: start}}
	queue := []node{{id: start, depth: 0, minW: 1.0}}
	budget := r.cfg.BFSBudget
	var pending []pendingAudit

	// Audit rows carry the resolved Universal ID, so hop records are
	// buffered until traversal lands.
	flush := func() error {
		for _, p := range pending {
			if err := r.audit(ctx, res, p.id, p.step, p.conf); err != nil {
				return err
			}
		}
		return nil
	}

	for len(queue) > 0 && budget > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= r.cfg.BFSDepth {
			continue
		}

		edges, err := r.store.Neighbors(ctx, cur.id)
		if err != nil {
			return false, err
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })

		for _, e := range edges {
			if budget <= 0 {
				break
			}
			budget--

			other := e.A
			if other == cur.id {
				other = e.B
			}
			if _, ok := links[key(other)]; ok {
				continue
			}
			links[key(other)] = pathLink{id: other, parent: key(cur.id), weight: e.Weight}

			minW := cur.minW
			if e.Weight < minW {
				minW = e.Weight
			}
			step := fmt.Sprintf("graph_traversal:%s->%s", cur.id.Type, other.Type)
			res.Steps = append(res.Steps, step)
			pending = append(pending, pendingAudit{id: other, step: step, conf: minW})

			if other.Type == domain.TypeUniversalID {
				if err := r.cachePath(ctx, links, key(cur.id), e.Weight, other.Value, res); err != nil {
					return false, err
				}
				return true, flush()
			}
			entry, err := r.store.CachedResolution(ctx, other)
			if err != nil {
				return false, err
			}
			if entry != nil {
				if err := r.cachePath(ctx, links, key(cur.id), e.Weight, entry.UniversalID, res); err != nil {
					return false, err
				}
				return true, flush()
			}
			queue = append(queue, node{id: other, depth: cur.depth + 1, minW: minW})
		}
	}
	return false, nil
}

// pathLink records how BFS reached an identifier: the parent key and the
// weight of the edge from the parent.
type pathLink struct {
	id     domain.Identifier
	parent string
	weight float64
}

// cachePath walks the winning path backward from the node adjacent to the
// resolved endpoint, upserting a cache row for each hop. A hop's confidence
// is the minimum edge weight between it and the endpoint, so hops closer to
// the endpoint keep their stronger binding. The start identifier's value,
// the minimum over the whole path, becomes the resolution confidence.
func (r *Resolver) cachePath(ctx context.Context, links map[string]pathLink, tailKey string, edgeWeight float64, universalID string, res *domain.Resolution) error {
	now := r.now().UTC()
	running := edgeWeight
	k := tailKey
	for {
		link := links[k]
		err := r.store.UpsertResolution(ctx, domain.ResolutionCacheEntry{
			Identifier:  link.id,
			UniversalID: universalID,
			Confidence:  running,
			LastSeen:    now,
		})
		if err != nil {
			return err
		}
		if link.parent == "" {
			break
		}
		if link.weight < running {
			running = link.weight
		}
		k = link.parent
	}
	res.UniversalID = universalID
	res.Confidence = running
	return nil
}

func (r *Resolver) synthesize(ctx context.Context, ids []domain.Identifier, res *domain.Resolution) (*domain.Resolution, error) {
	res.UniversalID = NewUniversalID()
	res.Confidence = 1.0
	res.Synthesized = true
	now := r.now().UTC()

	for _, id := range ids {
		conf := r.weight(id.Type)
		err := r.store.UpsertResolution(ctx, domain.ResolutionCacheEntry{
			Identifier: id, UniversalID: res.UniversalID, Confidence: conf, LastSeen: now,
		})
		if err != nil {
			return nil, err
		}
	}
	step := "created:new_universal_id"
	res.Steps = append(res.Steps, step)
	if err := r.audit(ctx, res, ids[0], step, 1.0); err != nil {
		return nil, err
	}
	logger.Info("synthesized universal id",
		"universal_id", res.UniversalID, "resolution_id", res.ResolutionID, "identifiers", len(ids))
	return res, nil
}

// cacheRemaining upserts cache rows for supplied identifiers not yet bound
// to the resolved Universal ID. Best-effort: a failed upsert degrades future
// lookups to graph traversal but does not fail the resolution.
func (r *Resolver) cacheRemaining(ctx context.Context, ids []domain.Identifier, res *domain.Resolution) {
	now := r.now().UTC()
	for _, id := range ids {
		entry, err := r.store.CachedResolution(ctx, id)
		if err != nil || entry != nil {
			continue
		}
		conf := res.Confidence
		if w := r.weight(id.Type); w < conf {
			conf = w
		}
		err = r.store.UpsertResolution(ctx, domain.ResolutionCacheEntry{
			Identifier: id, UniversalID: res.UniversalID, Confidence: conf, LastSeen: now,
		})
		if err != nil {
			logger.Warn("failed to cache resolution", "type", string(id.Type), "error", err.Error())
		}
	}
}

func (r *Resolver) audit(ctx context.Context, res *domain.Resolution, id domain.Identifier, step string, confidence float64) error {
	return r.store.AppendAudit(ctx, domain.AuditRecord{
		ResolutionID:    res.ResolutionID,
		UniversalID:     res.UniversalID,
		InputIdentifier: id.Value,
		InputType:       id.Type,
		Step:            step,
		Confidence:      confidence,
		CreatedAt:       r.now().UTC(),
	})
}
