package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/keydex/keydex/internal/keypath"
)

// listEntry is one merged row during page assembly. Folder names carry a
// trailing delimiter, so folder and file names never collide and the
// byte-wise tie-break is total.
type listEntry struct {
	name   string
	val    int64
	folder *Folder
	file   *Object
}

const listCursorKind = "list"

// cursorPos is a decoded seek position: the last returned row's sort
// tuple.
type cursorPos struct {
	val  int64
	name string
}

// after reports whether (val, name) sorts strictly after the position in
// the given direction.
func (p *cursorPos) after(val int64, name string, order SortOrder) bool {
	if p == nil {
		return true
	}
	if val != p.val {
		if order == Ascending {
			return val > p.val
		}
		return val < p.val
	}
	if order == Ascending {
		return name > p.name
	}
	return name < p.name
}

func sortTag(f SortField, o SortOrder) string {
	return strconv.Itoa(int(f)) + ":" + strconv.Itoa(int(o))
}

func sortValue(obj *Object, f SortField) int64 {
	switch f {
	case SortByCreated:
		return obj.CreatedAt
	case SortByUpdated:
		return obj.UpdatedAt
	}
	return 0
}

func sortEntries(entries []listEntry, order SortOrder) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if order == Descending {
			a, b = b, a
		}
		if a.val != b.val {
			return a.val < b.val
		}
		return a.name < b.name
	})
}

// pageAfter takes sorted entries and returns up to want of them strictly
// after the cursor position.
func pageAfter(entries []listEntry, cur *cursorPos, order SortOrder, want int) []listEntry {
	var out []listEntry
	for i := range entries {
		e := entries[i]
		if !cur.after(e.val, e.name, order) {
			continue
		}
		out = append(out, e)
		if len(out) == want {
			break
		}
	}
	return out
}

// List returns one page of folders and files under opts.Prefix. With no
// row filter and the standard delimiter the page is served straight from
// the prefix index. A filter or custom delimiter switches to the strategy
// that derives folders by scanning and grouping object rows, since the
// prefix index carries no per-row visibility.
func (ix *Index) List(bucket string, opts ListOptions) (*Page, error) {
	if err := ValidateBucket(bucket); err != nil {
		return nil, err
	}
	if strings.ContainsRune(opts.Prefix, 0) {
		return nil, &ValidationError{Field: "prefix", Reason: "must not contain null bytes"}
	}
	if strings.ContainsRune(opts.Delimiter, 0) {
		return nil, &ValidationError{Field: "delimiter", Reason: "must not contain null bytes"}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = ix.defaultLimit
	}
	if limit > ix.maxLimit {
		limit = ix.maxLimit
	}

	var cur *cursorPos
	if opts.Cursor != "" {
		fields, err := decodeCursor(opts.Cursor, listCursorKind, 3)
		if err != nil {
			return nil, err
		}
		if fields[0] != sortTag(opts.Sort, opts.Order) {
			return nil, errBadCursor
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errBadCursor
		}
		cur = &cursorPos{val: val, name: fields[2]}
	}

	fast := opts.Filter == nil &&
		opts.Delimiter == keypath.Delimiter &&
		(opts.Prefix == "" || strings.HasSuffix(opts.Prefix, keypath.Delimiter))

	var entries []listEntry
	err := ix.db.View(func(tx *bolt.Tx) error {
		var err error
		if fast {
			entries, err = ix.listFromPrefixIndex(tx, bucket, opts, cur, limit+1)
		} else {
			entries, err = ix.listFromObjects(tx, bucket, opts, cur, limit+1)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if fast {
		ix.mx.RecordListing("index")
	} else {
		ix.mx.RecordListing("scan")
	}

	page := &Page{}
	more := len(entries) > limit
	if more {
		entries = entries[:limit]
	}
	for i := range entries {
		if entries[i].folder != nil {
			page.Folders = append(page.Folders, *entries[i].folder)
		} else {
			page.Files = append(page.Files, *entries[i].file)
		}
	}
	if more && len(entries) > 0 {
		last := entries[len(entries)-1]
		page.NextCursor = encodeCursor(listCursorKind,
			sortTag(opts.Sort, opts.Order), strconv.FormatInt(last.val, 10), last.name)
	}
	return page, nil
}

// listFromPrefixIndex serves folders from Prefix rows and files from the
// per-level secondary index, both at one level below opts.Prefix.
func (ix *Index) listFromPrefixIndex(tx *bolt.Tx, bucket string, opts ListOptions, cur *cursorPos, want int) ([]listEntry, error) {
	dir := opts.Prefix
	childLevel := keypath.Level(strings.TrimSuffix(dir, keypath.Delimiter)) + 1

	fp := prefixKey(bucket, childLevel, dir)
	lp := levelPrefix(bucket, childLevel, dir)

	if opts.Sort == SortByName {
		return ix.mergeByName(tx, bucket, fp, lp, dir, opts.Order, cur, want)
	}

	// Time sorts materialize the level slice. Folders have no timestamp
	// of their own in a listing, so they sort with a zero value under
	// either strategy, names as tie-break.
	var entries []listEntry
	pc := tx.Bucket(prefixesBucket).Cursor()
	for k, _ := pc.Seek(fp); k != nil && hasPrefix(k, fp); k, _ = pc.Next() {
		seg := string(k[len(fp):]) + keypath.Delimiter
		entries = append(entries, listEntry{
			name:   seg,
			folder: &Folder{Path: dir + seg, Name: seg},
		})
	}
	lc := tx.Bucket(levelsBucket).Cursor()
	for k, _ := lc.Seek(lp); k != nil && hasPrefix(k, lp); k, _ = lc.Next() {
		name := string(k[len(lp):])
		obj, err := getObject(tx, bucket, dir+name)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, fmt.Errorf("level entry without object row %s/%s%s: %w", bucket, dir, name, ErrCorrupt)
		}
		entries = append(entries, listEntry{name: name, val: sortValue(obj, opts.Sort), file: obj})
	}
	sortEntries(entries, opts.Order)
	return pageAfter(entries, cur, opts.Order, want), nil
}

// nameCursor walks one key range in sort direction, exposing the key part
// after the range prefix.
type nameCursor struct {
	c      *bolt.Cursor
	prefix []byte
	desc   bool
	k      []byte
}

func newNameCursor(c *bolt.Cursor, prefix []byte, desc bool) *nameCursor {
	it := &nameCursor{c: c, prefix: prefix, desc: desc}
	if desc {
		it.k, _ = seekLast(c, prefix)
	} else {
		if k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix) {
			it.k = k
		}
	}
	return it
}

func (it *nameCursor) valid() bool { return it.k != nil }

func (it *nameCursor) rel() string { return string(it.k[len(it.prefix):]) }

func (it *nameCursor) advance() {
	var k []byte
	if it.desc {
		k, _ = it.c.Prev()
	} else {
		k, _ = it.c.Next()
	}
	if k != nil && hasPrefix(k, it.prefix) {
		it.k = k
	} else {
		it.k = nil
	}
}

// seekRel positions near prefix+rel so the caller's skip loop lands on
// the first row past the cursor in scan direction.
func (it *nameCursor) seekRel(rel string) {
	target := make([]byte, 0, len(it.prefix)+len(rel))
	target = append(target, it.prefix...)
	target = append(target, rel...)
	k, _ := it.c.Seek(target)
	if it.desc {
		if k == nil {
			k, _ = it.c.Last()
		} else if !hasPrefix(k, it.prefix) {
			k, _ = it.c.Prev()
		}
	}
	if k != nil && hasPrefix(k, it.prefix) {
		it.k = k
	} else {
		it.k = nil
	}
}

// mergeByName streams the folder and file ranges side by side in name
// order, which needs no materialization in either direction.
func (ix *Index) mergeByName(tx *bolt.Tx, bucket string, fp, lp []byte, dir string, order SortOrder, cur *cursorPos, want int) ([]listEntry, error) {
	desc := order == Descending
	folders := newNameCursor(tx.Bucket(prefixesBucket).Cursor(), fp, desc)
	files := newNameCursor(tx.Bucket(levelsBucket).Cursor(), lp, desc)

	if cur != nil {
		folders.seekRel(strings.TrimSuffix(cur.name, keypath.Delimiter))
		for folders.valid() && !cur.after(0, folders.rel()+keypath.Delimiter, order) {
			folders.advance()
		}
		files.seekRel(cur.name)
		for files.valid() && !cur.after(0, files.rel(), order) {
			files.advance()
		}
	}

	var out []listEntry
	for len(out) < want && (folders.valid() || files.valid()) {
		var pickFolder bool
		switch {
		case !files.valid():
			pickFolder = true
		case !folders.valid():
			pickFolder = false
		default:
			fname := folders.rel() + keypath.Delimiter
			if desc {
				pickFolder = fname > files.rel()
			} else {
				pickFolder = fname < files.rel()
			}
		}
		if pickFolder {
			seg := folders.rel() + keypath.Delimiter
			out = append(out, listEntry{name: seg, folder: &Folder{Path: dir + seg, Name: seg}})
			folders.advance()
			continue
		}
		name := files.rel()
		obj, err := getObject(tx, bucket, dir+name)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, fmt.Errorf("level entry without object row %s/%s%s: %w", bucket, dir, name, ErrCorrupt)
		}
		out = append(out, listEntry{name: name, file: obj})
		files.advance()
	}
	return out, nil
}

// listFromObjects derives the page by scanning object rows under the
// prefix and grouping them by the delimiter on the fly. Valid for any
// caller; the only strategy valid for row-filtered visibility.
func (ix *Index) listFromObjects(tx *bolt.Tx, bucket string, opts ListOptions, cur *cursorPos, want int) ([]listEntry, error) {
	op := []byte(bucket + keySep + opts.Prefix)

	if opts.Sort == SortByName {
		return ix.scanByName(tx, op, opts, cur, want)
	}

	d := opts.Delimiter
	var entries []listEntry
	seen := make(map[string]bool)
	c := tx.Bucket(objectsBucket).Cursor()
	k, v := c.Seek(op)
	for k != nil && hasPrefix(k, op) {
		rel := string(k[len(op):])
		gi := -1
		if d != "" {
			gi = strings.Index(rel, d)
		}
		if gi >= 0 {
			group := rel[:gi+len(d)]
			if seen[group] {
				k, v = c.Next()
				continue
			}
			obj := &Object{}
			if err := json.Unmarshal(v, obj); err != nil {
				return nil, fmt.Errorf("decode object %q: %w", k, ErrCorrupt)
			}
			if opts.Filter != nil && !opts.Filter(obj) {
				// Not visible; a later row may still prove the group.
				k, v = c.Next()
				continue
			}
			seen[group] = true
			entries = append(entries, listEntry{name: group, folder: &Folder{Path: opts.Prefix + group, Name: group}})
			// One visible row proves the group; skip the rest of it.
			gk := append(append([]byte{}, op...), group...)
			if next := prefixSuccessor(gk); next != nil {
				k, v = c.Seek(next)
			} else {
				k = nil
			}
			continue
		}
		obj := &Object{}
		if err := json.Unmarshal(v, obj); err != nil {
			return nil, fmt.Errorf("decode object %q: %w", k, ErrCorrupt)
		}
		if opts.Filter == nil || opts.Filter(obj) {
			entries = append(entries, listEntry{name: rel, val: sortValue(obj, opts.Sort), file: obj})
		}
		k, v = c.Next()
	}
	sortEntries(entries, opts.Order)
	return pageAfter(entries, cur, opts.Order, want), nil
}

// scanByName is the streaming object scan for name order: early exit at a
// full page, group subtrees skipped once proven.
func (ix *Index) scanByName(tx *bolt.Tx, op []byte, opts ListOptions, cur *cursorPos, want int) ([]listEntry, error) {
	d := opts.Delimiter
	desc := opts.Order == Descending
	c := tx.Bucket(objectsBucket).Cursor()

	var k, v []byte
	switch {
	case cur == nil && desc:
		k, v = seekLast(c, op)
	case cur == nil:
		k, v = c.Seek(op)
	default:
		// Land near the cursor; the skip checks below finish the job.
		target := append(append([]byte{}, op...), cur.name...)
		k, v = c.Seek(target)
		if desc {
			if k == nil {
				k, v = c.Last()
			} else if !hasPrefix(k, op) {
				k, v = c.Prev()
			}
		}
	}

	advance := func() {
		if desc {
			k, v = c.Prev()
		} else {
			k, v = c.Next()
		}
	}
	// jumpGroup moves past the whole group subtree in scan direction.
	jumpGroup := func(group string) {
		gk := append(append([]byte{}, op...), group...)
		if desc {
			if k, v = c.Seek(gk); k != nil {
				k, v = c.Prev()
			}
			return
		}
		if next := prefixSuccessor(gk); next != nil {
			k, v = c.Seek(next)
		} else {
			k = nil
		}
	}

	var out []listEntry
	lastGroup := ""
	for k != nil && hasPrefix(k, op) && len(out) < want {
		rel := string(k[len(op):])
		gi := -1
		if d != "" {
			gi = strings.Index(rel, d)
		}
		if gi < 0 {
			// file row
			if !cur.after(0, rel, opts.Order) {
				advance()
				continue
			}
			obj := &Object{}
			if err := json.Unmarshal(v, obj); err != nil {
				return nil, fmt.Errorf("decode object %q: %w", k, ErrCorrupt)
			}
			if opts.Filter == nil || opts.Filter(obj) {
				out = append(out, listEntry{name: rel, file: obj})
			}
			advance()
			continue
		}

		group := rel[:gi+len(d)]
		if group == lastGroup {
			advance()
			continue
		}
		if !cur.after(0, group, opts.Order) {
			jumpGroup(group)
			continue
		}
		obj := &Object{}
		if err := json.Unmarshal(v, obj); err != nil {
			return nil, fmt.Errorf("decode object %q: %w", k, ErrCorrupt)
		}
		if opts.Filter != nil && !opts.Filter(obj) {
			advance()
			continue
		}
		out = append(out, listEntry{name: group, folder: &Folder{Path: opts.Prefix + group, Name: group}})
		lastGroup = group
		jumpGroup(group)
	}
	return out, nil
}
