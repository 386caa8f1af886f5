//go:build !windows

package fuse

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/keydex/keydex/internal/index"
)

// Config controls a mount.
type Config struct {
	Bucket      string // empty mounts every bucket as a top-level directory
	AttrTTLSecs int    // kernel attribute/entry cache TTL, default 2
}

// Mount exposes the indexed hierarchy as a read-only filesystem:
// directories from prefix rows, files from object rows. Attributes
// reflect the index; payload bytes live in the blob store, so file
// contents cannot be read through the mount.
func Mount(mountpoint string, cfg Config, ix *index.Index) (*gofuse.Server, error) {
	if cfg.AttrTTLSecs == 0 {
		cfg.AttrTTLSecs = 2
	}
	ttl := time.Duration(cfg.AttrTTLSecs) * time.Second

	var root fs.InodeEmbedder
	if cfg.Bucket == "" {
		root = &bucketsNode{ix: ix}
	} else {
		root = &dirNode{ix: ix, bucket: cfg.Bucket}
	}

	opts := &fs.Options{
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		MountOptions: gofuse.MountOptions{
			FsName:  "keydex",
			Name:    "keydex",
			Options: []string{"ro"},
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// bucketsNode is the mount root when no bucket is pinned. Every bucket
// appears as a top-level directory.
type bucketsNode struct {
	fs.Inode
	ix *index.Index
}

func (b *bucketsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	buckets, err := b.ix.Buckets()
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]gofuse.DirEntry, 0, len(buckets))
	for _, name := range buckets {
		entries = append(entries, gofuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
	}
	return fs.NewListDirStream(entries), 0
}

func (b *bucketsNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	buckets, err := b.ix.Buckets()
	if err != nil {
		return nil, syscall.EIO
	}
	for _, bk := range buckets {
		if bk != name {
			continue
		}
		child := &dirNode{ix: b.ix, bucket: name}
		out.Mode = syscall.S_IFDIR | 0555
		return b.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	return nil, syscall.ENOENT
}

func (b *bucketsNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0555
	return 0
}

// dirNode is one prefix in a bucket. path carries no trailing delimiter
// and is empty for the bucket root.
type dirNode struct {
	fs.Inode
	ix     *index.Index
	bucket string
	path   string
}

func (d *dirNode) listPrefix() string {
	if d.path == "" {
		return ""
	}
	return d.path + "/"
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir := d.listPrefix()

	var entries []gofuse.DirEntry
	cursor := ""
	for {
		page, err := d.ix.List(d.bucket, index.ListOptions{
			Prefix:    dir,
			Delimiter: "/",
			Cursor:    cursor,
		})
		if err != nil {
			return nil, syscall.EIO
		}
		for _, f := range page.Folders {
			entries = append(entries, gofuse.DirEntry{
				Name: strings.TrimSuffix(f.Name, "/"),
				Mode: syscall.S_IFDIR,
			})
		}
		for _, o := range page.Files {
			entries = append(entries, gofuse.DirEntry{
				Name: strings.TrimPrefix(o.Key, dir),
				Mode: syscall.S_IFREG,
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return fs.NewListDirStream(entries), 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := d.listPrefix() + name

	if obj, err := d.ix.GetObject(d.bucket, full); err == nil {
		child := &fileNode{obj: *obj}
		out.Mode = syscall.S_IFREG | 0444
		out.Size = uint64(obj.Size)
		mtime := time.Unix(0, obj.UpdatedAt)
		out.SetTimes(nil, &mtime, nil)
		return d.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
	}

	ok, err := d.ix.HasPrefix(d.bucket, full)
	if err != nil {
		return nil, syscall.EIO
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	child := &dirNode{ix: d.ix, bucket: d.bucket, path: full}
	out.Mode = syscall.S_IFDIR | 0555
	return d.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0555
	return 0
}

// fileNode is one indexed object.
type fileNode struct {
	fs.Inode
	obj index.Object
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0444
	out.Size = uint64(f.obj.Size)
	mtime := time.Unix(0, f.obj.UpdatedAt)
	ctime := time.Unix(0, f.obj.CreatedAt)
	out.SetTimes(nil, &mtime, &ctime)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, gofuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	// Only metadata is indexed; the payload lives in the blob store.
	return nil, syscall.EIO
}
