package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/keydex/keydex/internal/index"
)

func runStats(args []string) {
	resp, err := apiRequest("GET", "/stats", nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var stats index.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fatal("parse response: " + err.Error())
	}

	fmt.Printf("Buckets:   %d\n", stats.Buckets)
	fmt.Printf("Objects:   %d\n", stats.Objects)
	fmt.Printf("Prefixes:  %d\n", stats.Prefixes)
	fmt.Printf("Uploads:   %d\n", stats.Uploads)
	fmt.Printf("Size:      %s\n", formatSize(stats.Bytes))
}

func runCluster(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: keydexctl cluster <subcommand>

Subcommands:
  status              Show cluster membership and leadership`)
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		clusterStatus()
	default:
		fatal("unknown cluster subcommand: " + args[0])
	}
}

func clusterStatus() {
	resp, err := apiRequest("GET", "/cluster/status", nil)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fatalResponse(resp)
	}

	var status struct {
		NodeID     string `json:"node_id"`
		IsLeader   bool   `json:"is_leader"`
		LeaderID   string `json:"leader_id"`
		LeaderAddr string `json:"leader_addr"`
		Members    []struct {
			ID      string `json:"id"`
			Address string `json:"address"`
		} `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fatal("parse response: " + err.Error())
	}

	fmt.Printf("Node:    %s\n", status.NodeID)
	fmt.Printf("Leader:  %s (%s)\n", status.LeaderID, status.LeaderAddr)
	if status.IsLeader {
		fmt.Println("Role:    leader")
	} else {
		fmt.Println("Role:    follower")
	}
	fmt.Println()

	headers := []string{"ID", "ADDRESS", "ROLE"}
	var rows [][]string
	for _, m := range status.Members {
		role := "follower"
		if m.ID == status.LeaderID {
			role = "leader"
		}
		rows = append(rows, []string{m.ID, m.Address, role})
	}
	printTable(headers, rows)
}
