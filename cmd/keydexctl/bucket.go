package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/keydex/keydex/internal/index"
)

func runBucket(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: keydexctl bucket <subcommand>

Subcommands:
  list                List all buckets known to the index
  usage [name]        Show object count and total size, per bucket or for one`)
		os.Exit(1)
	}

	switch args[0] {
	case "list", "ls":
		bucketList()
	case "usage":
		if len(args) > 1 {
			bucketUsage(args[1])
		} else {
			totalUsage()
		}
	default:
		fatal("unknown bucket subcommand: " + args[0])
	}
}

func bucketList() {
	resp, err := apiRequest("GET", "/buckets", nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var result struct {
		Buckets []string `json:"buckets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fatal("parse response: " + err.Error())
	}

	if len(result.Buckets) == 0 {
		fmt.Println("No buckets found.")
		return
	}
	for _, b := range result.Buckets {
		fmt.Println(b)
	}
}

func bucketUsage(name string) {
	resp, err := apiRequest("GET", "/buckets/"+name+"/usage", nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var usage index.BucketUsage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		fatal("parse response: " + err.Error())
	}

	printTable([]string{"BUCKET", "OBJECTS", "SIZE"}, [][]string{
		{usage.Bucket, fmt.Sprintf("%d", usage.Objects), formatSize(usage.TotalBytes)},
	})
}

func totalUsage() {
	resp, err := apiRequest("GET", "/usage", nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var result struct {
		Usage []index.BucketUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fatal("parse response: " + err.Error())
	}

	if len(result.Usage) == 0 {
		fmt.Println("No buckets found.")
		return
	}

	headers := []string{"BUCKET", "OBJECTS", "SIZE"}
	var rows [][]string
	var objects, bytes int64
	for _, u := range result.Usage {
		rows = append(rows, []string{u.Bucket, fmt.Sprintf("%d", u.Objects), formatSize(u.TotalBytes)})
		objects += u.Objects
		bytes += u.TotalBytes
	}
	printTable(headers, rows)
	fmt.Printf("\n%d bucket(s), %d object(s), %s\n", len(result.Usage), objects, formatSize(bytes))
}
