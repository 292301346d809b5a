// Command jobstatedemo is a small, dependency-light harness for exercising
// the managed-job state store by hand. It is a development aid, not a
// product entry point: the store package itself exposes no CLI or network
// surface by design.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/managedjobs/jobstate/internal/store"
)

func main() {
	ctx := context.Background()

	dbPath := "./jobstatedemo.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		log.Fatalf("resolve db path: %v", err)
	}

	s, err := store.Open(abs)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	var events []string
	s.SetNotifier(func(event string) {
		events = append(events, event)
		fmt.Printf("  [callback] %s\n", event)
	})

	jobID := int64(1)
	if err := s.SetJobInfo(ctx, jobID, "demo-job", "default", "python train.py"); err != nil {
		log.Fatalf("set_job_info: %v", err)
	}
	if err := s.SetPending(ctx, jobID, 0, "train", "cpu=4"); err != nil {
		log.Fatalf("set_pending: %v", err)
	}

	fmt.Println("-- driving scenario S1 --")
	if err := s.SetStarting(ctx, jobID, 0, "ts-1", 100.0, "cpu=4", `{"max_restarts_on_errors":0}`); err != nil {
		log.Fatalf("set_starting: %v", err)
	}
	if err := s.SetStarted(ctx, jobID, 0, 150.0); err != nil {
		log.Fatalf("set_started: %v", err)
	}
	if err := s.SetSucceeded(ctx, jobID, 0, 250.0); err != nil {
		log.Fatalf("set_succeeded: %v", err)
	}

	status, err := s.GetStatus(ctx, jobID)
	if err != nil {
		log.Fatalf("get_status: %v", err)
	}
	fmt.Printf("final status: %s\n", status)
	fmt.Printf("fired events: %v\n", events)
}
