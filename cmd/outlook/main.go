package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utakatalp/league-outlook/internal/config"
	"github.com/utakatalp/league-outlook/internal/engine"
	"github.com/utakatalp/league-outlook/internal/league"
	"github.com/utakatalp/league-outlook/internal/logger"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/store"
)

const usage = `Usage: outlook <command> [flags]

Commands:
  migrate                          create tables
  import   -league L [-season S] [-replace] F.csv...  load football-data.co.uk season files
  ratings  -league L -season S     print a stored rating table
  simulate [-league L] [-replicas N] [-seed N]
  predict  -league L -home H -away A -date YYYY-MM-DD
  backtest -league L [-season S] [-buckets N]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.InitLogger(cfg.LogLevel, cfg.IsDevelopment())

	st, err := store.NewStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "migrate":
		err = st.Migrate(ctx)
	case "import":
		err = runImport(ctx, st, args)
	case "ratings":
		err = runRatings(ctx, st, args)
	case "simulate", "predict", "backtest":
		var eng *engine.Engine
		if eng, err = newEngine(cfg, st); err != nil {
			break
		}
		switch command {
		case "simulate":
			err = runSimulate(ctx, cfg, eng, args)
		case "predict":
			err = runPredict(ctx, eng, args)
		default:
			err = runBacktest(ctx, eng, args)
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).WithField("command", command).Fatal("Command failed")
	}
}

func newEngine(cfg *config.Config, st *store.Store) (*engine.Engine, error) {
	predictor, err := model.Load(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	return engine.New(st, st, predictor, engine.Options{
		Rating:      cfg.Rating(),
		Simulation:  cfg.Simulation(),
		FillMissing: cfg.FillMissingFixtures,
		MaxReplicas: cfg.MaxReplicas,
		Leagues:     cfg.Leagues,
	}, logger.WithComponent("engine")), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runImport(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	leagueCode := fs.String("league", "", "league code")
	season := fs.String("season", "", "season label; defaults to the file name without season- prefix")
	replace := fs.Bool("replace", false, "delete the league's stored matches first")
	fs.Parse(args)
	if *leagueCode == "" || fs.NArg() == 0 {
		return fmt.Errorf("import needs -league and at least one CSV file")
	}
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	if *replace {
		if err := st.DeleteLeague(ctx, *leagueCode); err != nil {
			return err
		}
		logger.WithLeague(*leagueCode, "").Warn("Stored matches deleted")
	}

	for _, path := range fs.Args() {
		s := *season
		if s == "" {
			s = strings.TrimPrefix(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), "season-")
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		matches, err := league.ParseResultsCSV(f, *leagueCode, s)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := st.SaveMatches(ctx, matches); err != nil {
			return err
		}
		logger.WithLeague(*leagueCode, s).WithFields(logrus.Fields{
			"file":    path,
			"matches": len(matches),
		}).Info("Season imported")
	}
	return nil
}

func runRatings(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("ratings", flag.ExitOnError)
	leagueCode := fs.String("league", "", "league code")
	season := fs.String("season", "", "season label")
	fs.Parse(args)
	if *leagueCode == "" || *season == "" {
		return fmt.Errorf("ratings needs -league and -season")
	}
	rows, err := st.LoadRatings(ctx, *leagueCode, *season)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no stored ratings for %s %s", *leagueCode, *season)
	}
	return printJSON(rows)
}

func runSimulate(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	leagueCode := fs.String("league", "", "league code; empty simulates every configured league")
	replicas := fs.Int("replicas", cfg.SimReplicas, "number of season replicas")
	seed := fs.Uint64("seed", cfg.SimSeed, "run seed")
	fs.Parse(args)

	if *leagueCode == "" {
		report, err := eng.RunAll(ctx, *replicas, *seed)
		if perr := printJSON(report); perr != nil {
			return perr
		}
		return err
	}
	est, err := eng.RunSimulation(ctx, *leagueCode, *replicas, *seed)
	if est.Manifest.RunID != "" {
		logger.WithRun(est.Manifest.RunID, est.Manifest.League, est.Manifest.Seed).WithFields(logrus.Fields{
			"valid":   est.Manifest.Valid,
			"partial": est.Manifest.Partial,
		}).Info("Run stored")
		if perr := printJSON(est); perr != nil {
			return perr
		}
	}
	return err
}

func runPredict(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	leagueCode := fs.String("league", "", "league code")
	home := fs.String("home", "", "home team")
	away := fs.String("away", "", "away team")
	rawDate := fs.String("date", time.Now().Format("2006-01-02"), "match date")
	fs.Parse(args)

	date, err := time.Parse("2006-01-02", *rawDate)
	if err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	pred, err := eng.PredictMatch(ctx, *home, *away, *leagueCode, date)
	if err != nil {
		return err
	}
	return printJSON(pred)
}

func runBacktest(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	leagueCode := fs.String("league", "", "league code")
	season := fs.String("season", "", "season; empty means the latest")
	buckets := fs.Int("buckets", 10, "calibration buckets")
	fs.Parse(args)

	bt, err := eng.Backtest(ctx, *leagueCode, *season, *buckets)
	if err != nil {
		return err
	}
	return printJSON(bt)
}
