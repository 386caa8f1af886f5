package index

// Object is one indexed key's metadata. Payload bytes live in the blob
// backend; the index tracks everything needed for listing and accounting.
type Object struct {
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	Level       int               `json:"level"`
	Size        int64             `json:"size"`
	ETag        string            `json:"etag,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   int64             `json:"created_at"` // unix nanos
	UpdatedAt   int64             `json:"updated_at"` // unix nanos
}

// Prefix is one materialized directory node. Rows are derived state,
// written only by the maintainer and pruner, never by callers.
type Prefix struct {
	Bucket    string `json:"bucket"`
	Level     int    `json:"level"`
	Path      string `json:"path"`
	CreatedAt int64  `json:"created_at"`
}

// Move describes one rename in a batch. From and to sides may differ in
// bucket as well as key.
type Move struct {
	FromBucket string `json:"from_bucket"`
	FromKey    string `json:"from_key"`
	ToBucket   string `json:"to_bucket"`
	ToKey      string `json:"to_key"`
}

// Folder is one grouped entry of a delimiter listing. Path carries the
// trailing delimiter; Name is the terminal segment with the delimiter.
type Folder struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Page is one listing page. Folders and files are each in page order;
// NextCursor is empty on the last page.
type Page struct {
	Folders    []Folder `json:"folders"`
	Files      []Object `json:"files"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// SortField selects the listing sort key.
type SortField int

const (
	SortByName SortField = iota
	SortByCreated
	SortByUpdated
)

// SortOrder selects listing direction.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// ParseSortField maps the wire spelling of a sort key. Empty input means
// name order.
func ParseSortField(s string) (SortField, error) {
	switch s {
	case "", "name":
		return SortByName, nil
	case "created_at":
		return SortByCreated, nil
	case "updated_at":
		return SortByUpdated, nil
	}
	return 0, &ValidationError{Field: "sort", Reason: "must be name, created_at or updated_at"}
}

// ParseSortOrder maps the wire spelling of a direction. Empty input means
// ascending.
func ParseSortOrder(s string) (SortOrder, error) {
	switch s {
	case "", "asc":
		return Ascending, nil
	case "desc":
		return Descending, nil
	}
	return 0, &ValidationError{Field: "order", Reason: "must be asc or desc"}
}

// FilterFunc is a per-row visibility callback supplied by the caller's
// authorization layer. A non-nil filter forces the object-scanning
// listing strategy since the prefix index carries no per-row visibility.
type FilterFunc func(o *Object) bool

// ListOptions parameterizes List.
type ListOptions struct {
	// Prefix is the path context, empty for the root or ending with the
	// delimiter for a folder (for example "a/b/").
	Prefix string
	// Delimiter groups deeper keys into folders. Empty disables grouping
	// and lists every key under Prefix recursively.
	Delimiter string
	Limit     int
	Cursor    string
	Sort      SortField
	Order     SortOrder
	Filter    FilterFunc
}

// Upload is one in-progress multipart upload.
type Upload struct {
	ID          string            `json:"id"`
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	Owner       string            `json:"owner,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   int64             `json:"created_at"`
}

// Part is one uploaded part of a multipart upload. Re-sending a part
// number overwrites the previous part.
type Part struct {
	UploadID   string `json:"upload_id"`
	PartNumber int    `json:"part_number"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag"`
	UploadedAt int64  `json:"uploaded_at"`
}

// UploadPage is one page of ListUploads: folders grouped by delimiter
// plus the uploads at the requested depth, in byte-wise (key, id) order.
type UploadPage struct {
	Folders    []Folder `json:"folders"`
	Uploads    []Upload `json:"uploads"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// PartPage is one page of ListParts in part-number order.
type PartPage struct {
	Parts      []Part `json:"parts"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// BucketUsage is the per-bucket accounting row kept in step with object
// mutations, so totals never require a scan.
type BucketUsage struct {
	Bucket     string `json:"bucket"`
	Objects    int64  `json:"objects"`
	TotalBytes int64  `json:"total_bytes"`
}

// Stats summarizes the whole index.
type Stats struct {
	Buckets  int   `json:"buckets"`
	Objects  int64 `json:"objects"`
	Prefixes int   `json:"prefixes"`
	Uploads  int   `json:"uploads"`
	Bytes    int64 `json:"bytes"`
}

// Event types published after a mutation commits.
const (
	EventObjectInserted  = "object.inserted"
	EventObjectRenamed   = "object.renamed"
	EventObjectDeleted   = "object.deleted"
	EventUploadCreated   = "upload.created"
	EventUploadCompleted = "upload.completed"
	EventUploadAborted   = "upload.aborted"
)

// Event describes one committed index change.
type Event struct {
	Type      string `json:"type"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key,omitempty"`
	OldBucket string `json:"old_bucket,omitempty"`
	OldKey    string `json:"old_key,omitempty"`
	Size      int64  `json:"size,omitempty"`
	ETag      string `json:"etag,omitempty"`
	UploadID  string `json:"upload_id,omitempty"`
	At        int64  `json:"at"` // unix nanos
}
