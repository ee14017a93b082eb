package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// migrate applies every migrations/*.sql file in lexical order inside a
// single transaction per file, a repeatable schema-bootstrap tool.
func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Println("DATABASE_URL environment variable not set")
		os.Exit(1)
	}

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		fmt.Printf("failed to list migrations: %v\n", err)
		os.Exit(1)
	}
	sort.Strings(files)
	if len(files) == 0 {
		fmt.Printf("no .sql files found under %s\n", dir)
		return
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Printf("failed to connect to DB: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	for _, f := range files {
		sqlFile, err := os.ReadFile(f)
		if err != nil {
			fmt.Printf("failed to read %s: %v\n", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(sqlFile)); err != nil {
			fmt.Printf("migration %s failed: %v\n", f, err)
			os.Exit(1)
		}
		fmt.Printf("applied %s\n", f)
	}
	fmt.Println("migrations complete.")
}
