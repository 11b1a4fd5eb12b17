package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"

	"modbus-gateway/internal/output"
	"modbus-gateway/internal/store"
)

func main() {
	var (
		dbPath  string
		outJSON string
		outCSV  string
	)
	flag.StringVar(&dbPath, "db", "gateway.db", "path to the gateway sqlite database")
	flag.StringVar(&outJSON, "json", "", "path to write JSON snapshot (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write CSV snapshot (optional)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", dbPath).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := db.Latest(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("latest values")
	}
	recs := output.Records(rows)

	if outJSON == "" && outCSV == "" {
		if err := output.EncodeJSON(os.Stdout, recs); err != nil {
			log.Fatal().Err(err).Msg("write json")
		}
		return
	}
	if outJSON != "" {
		if err := output.WriteJSON(outJSON, recs); err != nil {
			log.Error().Err(err).Msg("write json")
		}
	}
	if outCSV != "" {
		if err := output.WriteCSV(outCSV, recs); err != nil {
			log.Error().Err(err).Msg("write csv")
		}
	}
	log.Info().Int("values", len(recs)).Msg("exported")
}
