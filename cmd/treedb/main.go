package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"treedb/internal/dbfile"
	"treedb/internal/layout"
	"treedb/internal/scan"
)

func main() {
	path := flag.String("db", "", "path to a database file (omit for an in-memory database)")
	flag.Parse()

	ctx := context.Background()
	db, err := dbfile.Open(ctx, dbfile.Options{Path: *path})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			log.Printf("close error: %v", err)
		}
	}()

	fmt.Println("treedb starting.")
	fmt.Println("Type meta commands like:")
	fmt.Println("  .create <table> <col:int32|str8>...   (first column is the key)")
	fmt.Println("  .insert <table> <value>...")
	fmt.Println("  .scan <table>")
	fmt.Println("  .tables")
	fmt.Println("  .schema <table>")
	fmt.Println("  .exit")
	fmt.Println("  .help")
	fmt.Println()

	runREPL(ctx, db)
}

func runREPL(ctx context.Context, db *dbfile.DB) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("treedb> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nExiting.")
				return
			}
			fmt.Println("read error:", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if handleCommand(ctx, line, db) {
			return
		}
	}
}

// handleCommand runs one meta command, returning true if the REPL should
// exit.
func handleCommand(ctx context.Context, line string, db *dbfile.DB) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case ".exit", ".quit":
		fmt.Println("Bye.")
		return true

	case ".help":
		fmt.Println("  .create <table> <col:type>...  first column is the key")
		fmt.Println("    types: int32, str8, str16, str32")
		fmt.Println("  .insert <table> <value>...")
		fmt.Println("  .scan <table>")
		fmt.Println("  .tables")
		fmt.Println("  .schema <table>")
		fmt.Println("  .exit")
		return false

	case ".tables":
		names := db.Registry.AllTableNames()
		if len(names) == 0 {
			fmt.Println("(no tables)")
			return false
		}
		fmt.Println(strings.Join(names, "\n"))
		return false

	case ".schema":
		if len(parts) != 2 {
			fmt.Println("usage: .schema <table>")
			return false
		}
		t, err := db.Registry.GetTable(parts[1])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for i, c := range t.Layout.Columns {
			marker := ""
			if i == 0 {
				marker = " (key)"
			}
			fmt.Printf("  %s %s%s\n", c.Name, c.Type, marker)
		}
		return false

	case ".create":
		if err := handleCreate(ctx, parts[1:], db); err != nil {
			fmt.Println("error:", err)
		}
		return false

	case ".insert":
		if err := handleInsert(ctx, parts[1:], db); err != nil {
			fmt.Println("error:", err)
		}
		return false

	case ".scan":
		if err := handleScan(ctx, parts[1:], db); err != nil {
			fmt.Println("error:", err)
		}
		return false

	default:
		fmt.Printf("unknown command: %s\n", parts[0])
		return false
	}
}

func handleCreate(ctx context.Context, args []string, db *dbfile.DB) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: .create <table> <col:type>...")
	}
	name := args[0]
	cols := make([]layout.Column, 0, len(args)-1)
	for _, spec := range args[1:] {
		colName, typeName, ok := strings.Cut(spec, ":")
		if !ok {
			return fmt.Errorf("bad column spec %q, want name:type", spec)
		}
		dt, err := parseType(typeName)
		if err != nil {
			return err
		}
		cols = append(cols, layout.Column{Name: colName, Type: dt})
	}
	l, err := layout.New(cols)
	if err != nil {
		return err
	}
	_, err = db.Registry.AddTable(ctx, name, l)
	return err
}

func parseType(name string) (layout.DataType, error) {
	switch strings.ToLower(name) {
	case "int32":
		return layout.Int32, nil
	case "str8":
		return layout.Str(8), nil
	case "str16":
		return layout.Str(16), nil
	case "str32":
		return layout.Str(32), nil
	default:
		return layout.DataType{}, fmt.Errorf("unknown type %q", name)
	}
}

func handleInsert(ctx context.Context, args []string, db *dbfile.DB) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: .insert <table> <value>...")
	}
	t, err := db.Registry.GetTable(args[0])
	if err != nil {
		return err
	}
	values := args[1:]
	if len(values) != len(t.Layout.Columns) {
		return fmt.Errorf("table %q wants %d values, got %d", args[0], len(t.Layout.Columns), len(values))
	}
	key, err := parseValue(t.Layout.Columns[0].Type, values[0])
	if err != nil {
		return err
	}
	rest := make([]layout.Value, 0, len(values)-1)
	for i, raw := range values[1:] {
		v, err := parseValue(t.Layout.Columns[i+1].Type, raw)
		if err != nil {
			return err
		}
		rest = append(rest, v)
	}
	rec, err := t.Layout.EncodeRecord(rest)
	if err != nil {
		return err
	}
	if err := t.Tree.Insert(ctx, key.Bytes, rec); err != nil {
		return err
	}
	for _, col := range t.IndexedColumns() {
		ix, err := t.GetIndex(col)
		if err != nil {
			return err
		}
		colIdx := t.Layout.ColumnIndex(col)
		if err := ix.Mirror(ctx, rest[colIdx-1].Bytes, key.Bytes); err != nil {
			return err
		}
	}
	fmt.Println("OK")
	return nil
}

func parseValue(dt layout.DataType, raw string) (layout.Value, error) {
	if dt.Kind == layout.KindString {
		return layout.NewString(int(dt.Width), raw)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return layout.Value{}, fmt.Errorf("bad integer %q: %w", raw, err)
	}
	return layout.NewInt(int(dt.Width), n)
}

func handleScan(ctx context.Context, args []string, db *dbfile.DB) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: .scan <table>")
	}
	t, err := db.Registry.GetTable(args[0])
	if err != nil {
		return err
	}
	scanner := scan.NewTableScanner(t.Tree, t.Layout)
	return scanner.Scan(ctx, func(row scan.Row) error {
		fields := make([]string, 0, len(row.Values)+1)
		fields = append(fields, formatValue(row.Key))
		for _, v := range row.Values {
			fields = append(fields, formatValue(v))
		}
		fmt.Println(strings.Join(fields, "\t"))
		return nil
	})
}

func formatValue(v layout.Value) string {
	if v.Type.Kind == layout.KindString {
		s, err := v.String()
		if err != nil {
			return fmt.Sprintf("<%v>", err)
		}
		return s
	}
	n, err := v.Int64()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return strconv.FormatInt(n, 10)
}
