package stores_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/stores"
)

func ExampleSQLiteStore() {
	dir, _ := os.MkdirTemp("", "driftwood")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	journal, err := stores.Open(ctx, stores.Config{Path: filepath.Join(dir, "state.db")})
	if err != nil {
		panic(err)
	}
	defer journal.Close()

	_ = journal.RecordState(ctx, engine.ExecutionState{Workload: "db", State: engine.StateRunning, Substatus: "ok", Generation: 3})
	_ = journal.RecordHandle(ctx, "db", engine.Handle{Runtime: "podman", ID: "c-1"}, "fp")

	records, _ := journal.LoadRecords(ctx)
	for _, r := range records {
		fmt.Println(r.Workload, r.State, r.Generation, r.Handle.ID)
	}

	// Output:
	// db Running 3 c-1
}
