package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/raciott/fincask/database"
)

func main() {
	confPath := flag.String("conf", "./conf.yaml", "path to conf file")
	dataDir := flag.String("dir", "", "path to data directory, overrides conf")
	flag.Parse()

	db, err := database.Open(*confPath, *dataDir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lineCh := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		close(lineCh)
	}()

	fmt.Println("fincask ready. commands: set <key> <value> | get <key> | del <key> | stats | sync | quit")
	for {
		fmt.Print("> ")
		select {
		case <-sigCh:
			fmt.Println("\nshutting down")
			return
		case line, ok := <-lineCh:
			if !ok {
				return
			}
			if done := execute(db, line); done {
				return
			}
		}
	}
}

func execute(db *database.DB, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "set":
		if len(fields) < 3 {
			fmt.Println("usage: set <key> <value>")
			return false
		}
		value := strings.Join(fields[2:], " ")
		if err := db.Set(fields[1], value); err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("ok")
	case "get":
		if len(fields) != 2 {
			fmt.Println("usage: get <key>")
			return false
		}
		value, err := db.GetString(fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println(value)
	case "del":
		if len(fields) != 2 {
			fmt.Println("usage: del <key>")
			return false
		}
		if err := db.Delete([]byte(fields[1])); err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("ok")
	case "stats":
		stats := db.Stats()
		fmt.Printf("keys=%d files=%d merge_candidates=%d\n",
			stats.Keys, stats.DataFiles, stats.MergeCandidate)
	case "sync":
		if err := db.Sync(); err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("ok")
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}
