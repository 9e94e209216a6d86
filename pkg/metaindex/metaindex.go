// Package metaindex maintains per-field hash and ordered indexes over entity
// metadata and evaluates predicate trees down to sorted id sets.
//
// Two structures back every field: a hash index for equality-shaped
// operators (equals, one_of, exists, contains) and a sorted-slice range
// index for the ordered operators (between, greater/less than). Array
// fields are indexed per element into the hash index only, matching the
// "contains x is an equality probe" rule.
package metaindex

import (
	"sort"
	"strconv"
	"sync"

	"github.com/mnemos/mnemos/pkg/dberr"
	"github.com/mnemos/mnemos/pkg/storage"
)

const component = "metaindex"

// Op is one of the predicate leaf operators.
type Op string

const (
	Equals       Op = "equals"
	NotEquals    Op = "not_equals"
	OneOf        Op = "one_of"
	Between      Op = "between"
	GreaterThan  Op = "greater_than"
	GreaterEqual Op = "greater_equal"
	LessThan     Op = "less_than"
	LessEqual    Op = "less_equal"
	Contains     Op = "contains"
	Exists       Op = "exists"
)

// Leaf is a single predicate condition on one field.
type Leaf struct {
	Field string
	Op    Op
	// Value holds the operand: the scalar for Equals/NotEquals/Contains,
	// []any for OneOf, [2]any{min, max} for Between, the scalar bound for
	// GreaterThan/GreaterEqual/LessThan/LessEqual, unused for Exists.
	Value any
}

// Predicate is a node in the predicate tree: exactly one of Leaf, And, Or,
// Not is set.
type Predicate struct {
	Leaf *Leaf
	And  []*Predicate
	Or   []*Predicate
	Not  *Predicate
}

func Eq(field string, value any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: Equals, Value: value}}
}

func NotEq(field string, value any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: NotEquals, Value: value}}
}

func In(field string, values ...any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: OneOf, Value: values}}
}

func Between2(field string, min, max any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: Between, Value: [2]any{min, max}}}
}

func Gt(field string, v any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: GreaterThan, Value: v}}
}

func Gte(field string, v any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: GreaterEqual, Value: v}}
}

func Lt(field string, v any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: LessThan, Value: v}}
}

func Lte(field string, v any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: LessEqual, Value: v}}
}

func ContainsOp(field string, v any) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: Contains, Value: v}}
}

func Exist(field string) *Predicate {
	return &Predicate{Leaf: &Leaf{Field: field, Op: Exists}}
}

func And(children ...*Predicate) *Predicate {
	return &Predicate{And: children}
}

func Or(children ...*Predicate) *Predicate {
	return &Predicate{Or: children}
}

func Not(child *Predicate) *Predicate {
	return &Predicate{Not: child}
}

var ErrInvalidPredicate = dberr.New(component, dberr.InvalidPredicate, "unknown or malformed predicate operator")

type sortKey struct {
	isNum bool
	num   float64
	str   string
	valid bool
}

func toSortKey(v any) sortKey {
	switch t := v.(type) {
	case bool:
		n := 0.0
		if t {
			n = 1
		}
		return sortKey{isNum: true, num: n, valid: true}
	case int:
		return sortKey{isNum: true, num: float64(t), valid: true}
	case int64:
		return sortKey{isNum: true, num: float64(t), valid: true}
	case float32:
		return sortKey{isNum: true, num: float64(t), valid: true}
	case float64:
		return sortKey{isNum: true, num: t, valid: true}
	case string:
		return sortKey{isNum: false, str: t, valid: true}
	default:
		return sortKey{valid: false}
	}
}

func (k sortKey) less(o sortKey) bool {
	if k.isNum != o.isNum {
		return false
	}
	if k.isNum {
		return k.num < o.num
	}
	return k.str < o.str
}

func hashKey(v any) (string, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return "b:true", true
		}
		return "b:false", true
	case string:
		return "s:" + t, true
	case int:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case int64:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case float32:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64), true
	case float64:
		return "n:" + strconv.FormatFloat(t, 'g', -1, 64), true
	default:
		return "", false
	}
}

type rangeEntry struct {
	key sortKey
	id  storage.EntityID
}

// fieldIndex holds both indexes for one metadata field name.
type fieldIndex struct {
	mu sync.RWMutex

	hash map[string]map[storage.EntityID]struct{}
	// present tracks every id that has this field at all (for Exists).
	present map[storage.EntityID]struct{}

	entries []rangeEntry
	pos     map[storage.EntityID]int
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{
		hash:    make(map[string]map[storage.EntityID]struct{}),
		present: make(map[storage.EntityID]struct{}),
		pos:     make(map[storage.EntityID]int),
	}
}

func (fi *fieldIndex) insertHash(key string, id storage.EntityID) {
	if fi.hash[key] == nil {
		fi.hash[key] = make(map[storage.EntityID]struct{})
	}
	fi.hash[key][id] = struct{}{}
}

func (fi *fieldIndex) removeHash(key string, id storage.EntityID) {
	if set, ok := fi.hash[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(fi.hash, key)
		}
	}
}

func (fi *fieldIndex) insertRange(key sortKey, id storage.EntityID) {
	pos := sort.Search(len(fi.entries), func(i int) bool {
		return !fi.entries[i].key.less(key)
	})
	fi.entries = append(fi.entries, rangeEntry{})
	copy(fi.entries[pos+1:], fi.entries[pos:])
	fi.entries[pos] = rangeEntry{key: key, id: id}
	for i := pos; i < len(fi.entries); i++ {
		fi.pos[fi.entries[i].id] = i
	}
}

func (fi *fieldIndex) removeRange(id storage.EntityID) {
	pos, ok := fi.pos[id]
	if !ok {
		return
	}
	fi.entries = append(fi.entries[:pos], fi.entries[pos+1:]...)
	delete(fi.pos, id)
	for i := pos; i < len(fi.entries); i++ {
		fi.pos[fi.entries[i].id] = i
	}
}

// index records one scalar value of this field for id, into both indexes.
func (fi *fieldIndex) index(value any, id storage.EntityID) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.present[id] = struct{}{}
	if key, ok := hashKey(value); ok {
		fi.insertHash(key, id)
	}
	if sk := toSortKey(value); sk.valid {
		fi.insertRange(sk, id)
	}
}

// remove drops id's entry for one previously-indexed scalar value.
func (fi *fieldIndex) remove(value any, id storage.EntityID) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	delete(fi.present, id)
	if key, ok := hashKey(value); ok {
		fi.removeHash(key, id)
	}
	fi.removeRange(id)
}

func (fi *fieldIndex) equals(value any) []storage.EntityID {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	key, ok := hashKey(value)
	if !ok {
		return nil
	}
	set := fi.hash[key]
	out := make([]storage.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (fi *fieldIndex) exists() []storage.EntityID {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	out := make([]storage.EntityID, 0, len(fi.present))
	for id := range fi.present {
		out = append(out, id)
	}
	return out
}

func (fi *fieldIndex) rangeQuery(min, max any, includeMin, includeMax bool) []storage.EntityID {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	if len(fi.entries) == 0 {
		return nil
	}

	var minKey, maxKey sortKey
	hasMin, hasMax := false, false
	if min != nil {
		minKey = toSortKey(min)
		if !minKey.valid {
			return nil
		}
		hasMin = true
	}
	if max != nil {
		maxKey = toSortKey(max)
		if !maxKey.valid {
			return nil
		}
		hasMax = true
	}

	// A bound whose type disagrees with the stored keys cannot order against
	// them; the leaf evaluates to the empty set rather than scanning the
	// whole field.
	stored := fi.entries[0].key.isNum
	if (hasMin && minKey.isNum != stored) || (hasMax && maxKey.isNum != stored) {
		return nil
	}

	start := 0
	if hasMin {
		start = sort.Search(len(fi.entries), func(i int) bool {
			if includeMin {
				return !fi.entries[i].key.less(minKey)
			}
			return minKey.less(fi.entries[i].key)
		})
	}

	var out []storage.EntityID
	for i := start; i < len(fi.entries); i++ {
		k := fi.entries[i].key
		if hasMax {
			if includeMax && maxKey.less(k) {
				break
			}
			if !includeMax && !k.less(maxKey) {
				break
			}
		}
		out = append(out, fi.entries[i].id)
	}
	return out
}

// stats returns the distinct-value and total counts that back the
// selectivity estimator.
func (fi *fieldIndex) stats() (distinct, total int) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	return len(fi.hash), len(fi.present)
}

// Index is the metadata index over one entity collection's fields.
type Index struct {
	mu     sync.RWMutex
	fields map[string]*fieldIndex

	universe map[storage.EntityID]struct{}

	// refreshed cardinality snapshot for the selectivity oracle.
	statsMu       sync.RWMutex
	fieldStats    map[string]fieldStat
	mutations     int
	lastRefreshAt int
}

type fieldStat struct {
	distinct int
	total    int
}

// New returns an empty metadata index.
func New() *Index {
	return &Index{
		fields:     make(map[string]*fieldIndex),
		universe:   make(map[storage.EntityID]struct{}),
		fieldStats: make(map[string]fieldStat),
	}
}

func (idx *Index) field(name string) *fieldIndex {
	idx.mu.Lock()
	fi, ok := idx.fields[name]
	if !ok {
		fi = newFieldIndex()
		idx.fields[name] = fi
	}
	idx.mu.Unlock()
	return fi
}

func (idx *Index) fieldIfExists(name string) (*fieldIndex, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	fi, ok := idx.fields[name]
	return fi, ok
}

// Index records id's metadata into every affected field index. Array values
// are indexed per element (contains semantics); scalars go into both the
// hash and range index for their field.
func (idx *Index) Index(id storage.EntityID, metadata map[string]any) {
	idx.mu.Lock()
	idx.universe[id] = struct{}{}
	idx.mu.Unlock()

	for field, value := range metadata {
		fi := idx.field(field)
		switch arr := value.(type) {
		case []any:
			fi.mu.Lock()
			fi.present[id] = struct{}{}
			for _, elem := range arr {
				if key, ok := hashKey(elem); ok {
					fi.insertHash(key, id)
				}
			}
			fi.mu.Unlock()
		default:
			fi.index(value, id)
		}
	}
	idx.afterMutation()
}

// Remove drops id from every index entry derived from metadata.
func (idx *Index) Remove(id storage.EntityID, metadata map[string]any) {
	idx.mu.Lock()
	delete(idx.universe, id)
	idx.mu.Unlock()

	for field, value := range metadata {
		fi, ok := idx.fieldIfExists(field)
		if !ok {
			continue
		}
		switch arr := value.(type) {
		case []any:
			for _, elem := range arr {
				fi.remove(elem, id)
			}
		default:
			fi.remove(value, id)
		}
	}
	idx.afterMutation()
}

func (idx *Index) afterMutation() {
	idx.statsMu.Lock()
	idx.mutations++
	size := len(idx.universe)
	needsRefresh := idx.mutations-idx.lastRefreshAt >= 1000 ||
		(size > 0 && idx.mutations-idx.lastRefreshAt >= size/10 && size/10 > 0)
	idx.statsMu.Unlock()
	if needsRefresh {
		idx.refreshStats()
	}
}

func (idx *Index) refreshStats() {
	idx.mu.RLock()
	snapshot := make(map[string]fieldStat, len(idx.fields))
	for name, fi := range idx.fields {
		d, t := fi.stats()
		snapshot[name] = fieldStat{distinct: d, total: t}
	}
	size := len(idx.universe)
	idx.mu.RUnlock()

	idx.statsMu.Lock()
	idx.fieldStats = snapshot
	idx.lastRefreshAt = idx.mutations
	_ = size
	idx.statsMu.Unlock()
}

// Universe returns a sorted snapshot of every id currently indexed.
func (idx *Index) Universe() []storage.EntityID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]storage.EntityID, 0, len(idx.universe))
	for id := range idx.universe {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []storage.EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// IDsForFilter evaluates predicate and returns a stable-sorted id list.
func (idx *Index) IDsForFilter(pred *Predicate) ([]storage.EntityID, error) {
	if pred == nil {
		return idx.Universe(), nil
	}
	set, err := idx.eval(pred)
	if err != nil {
		return nil, err
	}
	out := make([]storage.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortIDs(out)
	return out, nil
}

func toSet(ids []storage.EntityID) map[storage.EntityID]struct{} {
	set := make(map[storage.EntityID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (idx *Index) eval(pred *Predicate) (map[storage.EntityID]struct{}, error) {
	switch {
	case pred.Leaf != nil:
		return idx.evalLeaf(pred.Leaf)
	case pred.And != nil:
		return idx.evalAnd(pred.And)
	case pred.Or != nil:
		return idx.evalOr(pred.Or)
	case pred.Not != nil:
		child, err := idx.eval(pred.Not)
		if err != nil {
			return nil, err
		}
		universe := toSet(idx.Universe())
		for id := range child {
			delete(universe, id)
		}
		return universe, nil
	default:
		return nil, ErrInvalidPredicate
	}
}

func (idx *Index) evalAnd(children []*Predicate) (map[storage.EntityID]struct{}, error) {
	sets := make([]map[storage.EntityID]struct{}, 0, len(children))
	for _, c := range children {
		s, err := idx.eval(c)
		if err != nil {
			return nil, err
		}
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
	if len(sets) == 0 {
		return map[storage.EntityID]struct{}{}, nil
	}
	result := sets[0]
	for _, s := range sets[1:] {
		if len(result) == 0 {
			return result, nil
		}
		next := make(map[storage.EntityID]struct{})
		for id := range result {
			if _, ok := s[id]; ok {
				next[id] = struct{}{}
			}
		}
		result = next
	}
	return result, nil
}

func (idx *Index) evalOr(children []*Predicate) (map[storage.EntityID]struct{}, error) {
	sets := make([]map[storage.EntityID]struct{}, 0, len(children))
	for _, c := range children {
		s, err := idx.eval(c)
		if err != nil {
			return nil, err
		}
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) > len(sets[j]) })
	result := make(map[storage.EntityID]struct{})
	for _, s := range sets {
		for id := range s {
			result[id] = struct{}{}
		}
	}
	return result, nil
}

func (idx *Index) evalLeaf(leaf *Leaf) (map[storage.EntityID]struct{}, error) {
	fi, ok := idx.fieldIfExists(leaf.Field)
	if !ok {
		return map[storage.EntityID]struct{}{}, nil
	}

	switch leaf.Op {
	case Exists:
		return toSet(fi.exists()), nil
	case Equals, Contains:
		return toSet(fi.equals(leaf.Value)), nil
	case NotEquals:
		present := toSet(fi.exists())
		for _, id := range fi.equals(leaf.Value) {
			delete(present, id)
		}
		return present, nil
	case OneOf:
		values, ok := leaf.Value.([]any)
		if !ok {
			return nil, ErrInvalidPredicate
		}
		result := make(map[storage.EntityID]struct{})
		for _, v := range values {
			for _, id := range fi.equals(v) {
				result[id] = struct{}{}
			}
		}
		return result, nil
	case Between:
		bounds, ok := leaf.Value.([2]any)
		if !ok {
			return nil, ErrInvalidPredicate
		}
		return toSet(fi.rangeQuery(bounds[0], bounds[1], true, true)), nil
	case GreaterThan:
		return toSet(fi.rangeQuery(leaf.Value, nil, false, false)), nil
	case GreaterEqual:
		return toSet(fi.rangeQuery(leaf.Value, nil, true, false)), nil
	case LessThan:
		return toSet(fi.rangeQuery(nil, leaf.Value, false, false)), nil
	case LessEqual:
		return toSet(fi.rangeQuery(nil, leaf.Value, false, true)), nil
	default:
		return nil, ErrInvalidPredicate
	}
}

// Estimate approximates the cardinality of pred without materializing id
// sets, using the cardinality snapshot refreshed at mutation milestones.
func (idx *Index) Estimate(pred *Predicate) int {
	idx.statsMu.RLock()
	defer idx.statsMu.RUnlock()
	return idx.estimate(pred)
}

func (idx *Index) estimate(pred *Predicate) int {
	if pred == nil {
		return len(idx.universe)
	}
	switch {
	case pred.Leaf != nil:
		return idx.estimateLeaf(pred.Leaf)
	case pred.And != nil:
		min := -1
		for _, c := range pred.And {
			e := idx.estimate(c)
			if min == -1 || e < min {
				min = e
			}
		}
		if min == -1 {
			return 0
		}
		return min
	case pred.Or != nil:
		sum := 0
		for _, c := range pred.Or {
			sum += idx.estimate(c)
		}
		if sum > len(idx.universe) {
			sum = len(idx.universe)
		}
		return sum
	case pred.Not != nil:
		total := len(idx.universe)
		e := idx.estimate(pred.Not)
		if total-e < 0 {
			return 0
		}
		return total - e
	default:
		return 0
	}
}

// IsSelective implements the planner's selectivity heuristic: a leaf is
// selective if it is equality/one_of, or a between whose span covers less
// than 10% of the field's observed numeric domain.
func (idx *Index) IsSelective(leaf *Leaf) bool {
	switch leaf.Op {
	case Equals, OneOf, Contains:
		return true
	case Between:
		fi, ok := idx.fieldIfExists(leaf.Field)
		if !ok {
			return true
		}
		fi.mu.RLock()
		defer fi.mu.RUnlock()
		if len(fi.entries) < 2 {
			return true
		}
		domain := fi.entries[len(fi.entries)-1].key.num - fi.entries[0].key.num
		if domain <= 0 {
			return true
		}
		bounds, ok := leaf.Value.([2]any)
		if !ok {
			return false
		}
		min := toSortKey(bounds[0])
		max := toSortKey(bounds[1])
		if !min.valid || !max.valid {
			return false
		}
		span := max.num - min.num
		return span/domain < 0.10
	default:
		return false
	}
}

func (idx *Index) estimateLeaf(leaf *Leaf) int {
	idx.mu.RLock()
	universeSize := len(idx.universe)
	idx.mu.RUnlock()

	stat, ok := idx.fieldStats[leaf.Field]
	if !ok || stat.distinct == 0 {
		return universeSize
	}
	avgBucket := stat.total / stat.distinct
	switch leaf.Op {
	case Equals, Contains, Exists:
		return avgBucket
	case OneOf:
		values, ok := leaf.Value.([]any)
		if !ok {
			return avgBucket
		}
		return avgBucket * len(values)
	case NotEquals:
		return stat.total - avgBucket
	case Between, GreaterThan, GreaterEqual, LessThan, LessEqual:
		// Conservative: assume half the field's population, refined at the
		// next stats refresh once real range width is known to IsSelective.
		return stat.total / 2
	default:
		return universeSize
	}
}
