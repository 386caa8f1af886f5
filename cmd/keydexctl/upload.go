package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/keydex/keydex/internal/index"
)

func runUpload(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: keydexctl upload <subcommand>

Subcommands:
  create <bucket> <key> [--owner=<o>] [--content-type=<ct>]   Start tracking a multipart upload
  ls <bucket> [--prefix=<p>] [--delimiter=<d>] [--limit=<n>]
              [--cursor=<c>]                                  List in-progress uploads
  info <id>                                                   Show one upload
  parts <id> [--limit=<n>] [--cursor=<c>]                     List recorded parts
  add-part <id> <number> --size=<n> [--etag=<e>]              Record an uploaded part
  complete <id>                                               Promote the upload to an object
  abort <id>                                                  Discard the upload and its parts`)
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		uploadCreate(args[1:])
	case "ls", "list":
		uploadList(args[1:])
	case "info", "stat":
		uploadInfo(args[1:])
	case "parts":
		uploadParts(args[1:])
	case "add-part":
		uploadAddPart(args[1:])
	case "complete":
		uploadComplete(args[1:])
	case "abort":
		uploadAbort(args[1:])
	default:
		fatal("unknown upload subcommand: " + args[0])
	}
}

func uploadCreate(args []string) {
	if len(args) < 2 {
		fatal("upload create requires: <bucket> <key>")
	}
	payload := map[string]string{"bucket": args[0], "key": args[1]}

	for _, arg := range args[2:] {
		switch {
		case strings.HasPrefix(arg, "--owner="):
			payload["owner"] = strings.TrimPrefix(arg, "--owner=")
		case strings.HasPrefix(arg, "--content-type="):
			payload["content_type"] = strings.TrimPrefix(arg, "--content-type=")
		default:
			fatal("unknown flag: " + arg)
		}
	}

	data, _ := json.Marshal(payload)
	resp, err := apiRequest("POST", "/uploads", bytes.NewReader(data))
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 201 {
		fatalResponse(resp)
	}

	var up index.Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		fatal("parse response: " + err.Error())
	}
	fmt.Printf("Upload created: %s\n", up.ID)
}

func uploadList(args []string) {
	if len(args) < 1 {
		fatal("upload ls requires a bucket name")
	}

	q := url.Values{}
	q.Set("bucket", args[0])
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
		default:
			fatal("unknown flag: " + arg)
		}
	}

	resp, err := apiRequest("GET", "/uploads?"+q.Encode(), nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var page index.UploadPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		fatal("parse response: " + err.Error())
	}

	if len(page.Folders) == 0 && len(page.Uploads) == 0 {
		fmt.Println("No uploads in progress.")
		return
	}

	headers := []string{"ID", "KEY", "OWNER", "CREATED"}
	var rows [][]string
	for _, f := range page.Folders {
		rows = append(rows, []string{"-", f.Path, "-", "-"})
	}
	for _, up := range page.Uploads {
		owner := up.Owner
		if owner == "" {
			owner = "-"
		}
		rows = append(rows, []string{up.ID, up.Key, owner, formatNanos(up.CreatedAt)})
	}
	printTable(headers, rows)
	fmt.Printf("\n%d upload(s)\n", len(page.Uploads))

	if page.NextCursor != "" {
		fmt.Printf("More results: --cursor=%s\n", page.NextCursor)
	}
}

func uploadInfo(args []string) {
	if len(args) < 1 {
		fatal("upload info requires an upload ID")
	}

	resp, err := apiRequest("GET", "/uploads/"+args[0], nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var up index.Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		fatal("parse response: " + err.Error())
	}
	printJSON(up)
}

func uploadParts(args []string) {
	if len(args) < 1 {
		fatal("upload parts requires an upload ID")
	}
	id := args[0]

	q := url.Values{}
	for _, arg := range args[1:] {
		switch {
		case strings.HasPrefix(arg, "--limit="):
			q.Set("limit", strings.TrimPrefix(arg, "--limit="))
		case strings.HasPrefix(arg, "--cursor="):
			q.Set("cursor", strings.TrimPrefix(arg, "--cursor="))
		default:
			fatal("unknown flag: " + arg)
		}
	}

	path := "/uploads/" + id + "/parts"
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

	var page index.PartPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		fatal("parse response: " + err.Error())
	}

	if len(page.Parts) == 0 {
		fmt.Println("No parts recorded.")
		return
	}

	headers := []string{"PART", "SIZE", "ETAG", "UPLOADED"}
	var rows [][]string
	var total int64
	for _, p := range page.Parts {
		rows = append(rows, []string{
			strconv.Itoa(p.PartNumber),
			formatSize(p.Size),
			p.ETag,
			formatNanos(p.UploadedAt),
		})
		total += p.Size
	}
	printTable(headers, rows)
	fmt.Printf("\n%d part(s), %s\n", len(page.Parts), formatSize(total))

	if page.NextCursor != "" {
		fmt.Printf("More results: --cursor=%s\n", page.NextCursor)
	}
}

func uploadAddPart(args []string) {
	if len(args) < 2 {
		fatal("upload add-part requires: <id> <number>")
	}
	id, number := args[0], args[1]

	payload := map[string]interface{}{}
	for _, arg := range args[2:] {
		switch {
		case strings.HasPrefix(arg, "--size="):
			size, err := strconv.ParseInt(strings.TrimPrefix(arg, "--size="), 10, 64)
			if err != nil {
				fatal("--size must be an integer")
			}
			payload["size"] = size
		case strings.HasPrefix(arg, "--etag="):
			payload["etag"] = strings.TrimPrefix(arg, "--etag=")
		default:
			fatal("unknown flag: " + arg)
		}
	}

	data, _ := json.Marshal(payload)
	resp, err := apiRequest("PUT", "/uploads/"+id+"/parts/"+number, bytes.NewReader(data))
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var part index.Part
	if err := json.NewDecoder(resp.Body).Decode(&part); err != nil {
		fatal("parse response: " + err.Error())
	}
	fmt.Printf("Recorded part %d (%s)\n", part.PartNumber, formatSize(part.Size))
}

func uploadComplete(args []string) {
	if len(args) < 1 {
		fatal("upload complete requires an upload ID")
	}

	resp, err := apiRequest("POST", "/uploads/"+args[0]+"/complete", nil)
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
	fmt.Printf("Completed: %s/%s (%s)\n", obj.Bucket, obj.Key, formatSize(obj.Size))
}

func uploadAbort(args []string) {
	if len(args) < 1 {
		fatal("upload abort requires an upload ID")
	}

	resp, err := apiRequest("POST", "/uploads/"+args[0]+"/abort", nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}
	fmt.Printf("Upload %s aborted.\n", args[0])
}
