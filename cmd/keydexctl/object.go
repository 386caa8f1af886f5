package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/keydex/keydex/internal/index"
)

func runObject(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: keydexctl object <subcommand>

Subcommands:
  ls <bucket> [--prefix=<p>] [--delimiter=<d>] [--limit=<n>]
              [--cursor=<c>] [--sort=<key|size|updated_at>] [--order=<asc|desc>]
              [--owner=<o>]                       List objects, optionally grouped by delimiter
  stat <bucket> <key>                             Show one object's index entry
  insert <bucket> <key> [--size=<n>] [--etag=<e>]
              [--content-type=<ct>] [--owner=<o>] Record an object in the index
  rm <bucket> <key> [key...]                      Remove object(s) from the index
  mv <bucket> <old-key> <new-key>                 Rename an object`)
		os.Exit(1)
	}

	switch args[0] {
	case "ls", "list":
		objectList(args[1:])
	case "stat", "info":
		objectStat(args[1:])
	case "insert", "put":
		objectInsert(args[1:])
	case "rm", "delete":
		objectDelete(args[1:])
	case "mv", "rename":
		objectMove(args[1:])
	default:
		fatal("unknown object subcommand: " + args[0])
	}
}

func objectList(args []string) {
	if len(args) < 1 {
		fatal("object ls requires a bucket name")
	}
	bucket := args[0]

	q := url.Values{}
	for _, arg := range args[1:] {
		switch {
		case strings.HasPrefix(arg, "--prefix="):
			q.Set("prefix", strings.TrimPrefix(arg, "--prefix="))
		case strings.HasPrefix(arg, "--delimiter="):
			q.Set("delimiter", strings.TrimPrefix(arg, "--delimiter="))
		case strings.HasPrefix(arg, "--limit="):
			q.Set("limit", strings.TrimPrefix(arg, "--limit="))
		case strings.HasPrefix(arg, "--cursor="):
			q.Set("cursor", strings.TrimPrefix(arg, "--cursor="))
		case strings.HasPrefix(arg, "--sort="):
			q.Set("sort", strings.TrimPrefix(arg, "--sort="))
		case strings.HasPrefix(arg, "--order="):
			q.Set("order", strings.TrimPrefix(arg, "--order="))
		case strings.HasPrefix(arg, "--owner="):
			q.Set("owner", strings.TrimPrefix(arg, "--owner="))
		default:
			fatal("unknown flag: " + arg)
		}
	}

	path := fmt.Sprintf("/buckets/%s/objects", bucket)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiRequest("GET", path, nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var page index.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		fatal("parse response: " + err.Error())
	}

	if len(page.Folders) == 0 && len(page.Files) == 0 {
		fmt.Println("No objects found.")
		return
	}

	headers := []string{"KEY", "SIZE", "UPDATED", "ETAG"}
	var rows [][]string
	for _, f := range page.Folders {
		rows = append(rows, []string{f.Path, "-", "-", "-"})
	}
	for _, o := range page.Files {
		rows = append(rows, []string{o.Key, formatSize(o.Size), formatNanos(o.UpdatedAt), o.ETag})
	}
	printTable(headers, rows)
	fmt.Printf("\n%d folder(s), %d object(s)\n", len(page.Folders), len(page.Files))

	if page.NextCursor != "" {
		fmt.Printf("More results: --cursor=%s\n", page.NextCursor)
	}
}

func objectStat(args []string) {
	if len(args) < 2 {
		fatal("object stat requires: <bucket> <key>")
	}
	bucket, key := args[0], args[1]

	resp, err := apiRequest("GET", fmt.Sprintf("/buckets/%s/objects/%s", bucket, key), nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var obj index.Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		fatal("parse response: " + err.Error())
	}
	printJSON(obj)
}

func objectInsert(args []string) {
	if len(args) < 2 {
		fatal("object insert requires: <bucket> <key>")
	}
	bucket, key := args[0], args[1]

	payload := map[string]interface{}{}
	for _, arg := range args[2:] {
		switch {
		case strings.HasPrefix(arg, "--size="):
			var size int64
			if _, err := fmt.Sscanf(strings.TrimPrefix(arg, "--size="), "%d", &size); err != nil {
				fatal("--size must be an integer")
			}
			payload["size"] = size
		case strings.HasPrefix(arg, "--etag="):
			payload["etag"] = strings.TrimPrefix(arg, "--etag=")
		case strings.HasPrefix(arg, "--content-type="):
			payload["content_type"] = strings.TrimPrefix(arg, "--content-type=")
		case strings.HasPrefix(arg, "--owner="):
			payload["owner"] = strings.TrimPrefix(arg, "--owner=")
		default:
			fatal("unknown flag: " + arg)
		}
	}

	data, _ := json.Marshal(payload)
	resp, err := apiRequest("PUT", fmt.Sprintf("/buckets/%s/objects/%s", bucket, key), bytes.NewReader(data))
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var obj index.Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		fatal("parse response: " + err.Error())
	}
	fmt.Printf("Indexed %s/%s (%s)\n", bucket, obj.Key, formatSize(obj.Size))
}

func objectDelete(args []string) {
	if len(args) < 2 {
		fatal("object rm requires: <bucket> <key> [key...]")
	}
	bucket, keys := args[0], args[1:]

	if len(keys) == 1 {
		resp, err := apiRequest("DELETE", fmt.Sprintf("/buckets/%s/objects/%s", bucket, keys[0]), nil)
		if err != nil {
			fatal(err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			fatalResponse(resp)
		}
		fmt.Printf("Deleted %s/%s\n", bucket, keys[0])
		return
	}

	data, _ := json.Marshal(map[string]interface{}{"bucket": bucket, "keys": keys})
	resp, err := apiRequest("POST", "/batch/delete", bytes.NewReader(data))
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}
	fmt.Printf("Deleted %d object(s) from %s\n", len(keys), bucket)
}

func objectMove(args []string) {
	if len(args) < 3 {
		fatal("object mv requires: <bucket> <old-key> <new-key>")
	}
	bucket, oldKey, newKey := args[0], args[1], args[2]

	data, _ := json.Marshal(map[string]string{
		"bucket":  bucket,
		"old_key": oldKey,
		"new_key": newKey,
	})
	resp, err := apiRequest("POST", "/rename", bytes.NewReader(data))
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}
	fmt.Printf("Renamed %s/%s to %s\n", bucket, oldKey, newKey)
}
