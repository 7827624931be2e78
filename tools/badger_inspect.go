package main

import (
	"ephemeral-lab/domain"
	"ephemeral-lab/repositories"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	kind := flag.String("kind", "all", "Record kind to list: event, message or all")
	participant := flag.String("participant", "", "Only list messages sent or received by this identity")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	repository := repositories.NewRecordRepository(db, slog.Default(), nil, 1)
	records, err := listRecords(repository, *kind, *participant)
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Kind", "Created", "Expires", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, record := range records {
		table.Append(toRow(record))
	}
	table.Render()
}

func listRecords(repository repositories.RecordRepository, kind, participant string) ([]domain.Record, error) {
	if participant != "" {
		return repository.QueryByParticipant(participant)
	}
	switch kind {
	case "event":
		return repository.ListAll(domain.KindEvent)
	case "message":
		return repository.ListAll(domain.KindMessage)
	case "all":
		events, err := repository.ListAll(domain.KindEvent)
		if err != nil {
			return nil, err
		}
		messages, err := repository.ListAll(domain.KindMessage)
		if err != nil {
			return nil, err
		}
		return append(events, messages...), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func toRow(record domain.Record) []string {
	expires := lo.Ternary(record.SelfDestructAfter == nil, "never", "")
	if expiresAt, ok := record.ExpiresAt(); ok {
		expires = fmt.Sprintf("%s (in %s)", expiresAt.Format("15:04:05"),
			time.Until(expiresAt).Truncate(time.Second))
	}

	var detail string
	switch p := record.Payload.(type) {
	case domain.EventPayload:
		detail = fmt.Sprintf("%s on %s", p.Name, p.Date)
	case domain.MessagePayload:
		detail = fmt.Sprintf("%s -> %s: %s", p.Sender, p.Receiver, p.Content)
	}

	return []string{
		record.ID.String(),
		record.Kind().String(),
		record.CreatedAt.Format("15:04:05"),
		expires,
		detail,
	}
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil && strings.Contains(err.Error(), "Log truncate required") {
		// A crashed writer left the value log dirty: open once in write mode to truncate.
		repairOpts := badger.DefaultOptions(path).
			WithLogger(nil).WithBypassLockGuard(true)
		repaired, repairErr := badger.Open(repairOpts)
		if repairErr != nil {
			return nil, fmt.Errorf("repair failed: %w", repairErr)
		}
		_ = repaired.Close()
		return badger.Open(opts)
	}
	return db, err
}
