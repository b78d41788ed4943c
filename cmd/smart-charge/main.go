package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/awaistahir/smart-charge/internal/config"
	"github.com/awaistahir/smart-charge/internal/engine"
	"github.com/awaistahir/smart-charge/internal/logging"
	"github.com/awaistahir/smart-charge/internal/prices"
	"github.com/awaistahir/smart-charge/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cfgFile string
	dbPath  string
	cfg     config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "smart-charge",
		Short: "SmartCharge - find the cheapest hours to charge a plug-in hybrid",
		Long: `SmartCharge compares the cost per km of driving on electricity at the
current Danish spot price against driving on petrol, and shows the
cheapest charging windows for today and tomorrow.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.smartcharge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default is $HOME/.smartcharge/smartcharge.db)")

	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(windowsCmd())
	rootCmd.AddCommand(exploreCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(settingsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	if err := v.BindPFlag("db", cmd.Flags().Lookup("db")); err != nil {
		return errors.Wrap(err, "binding db flag")
	}

	cfg, err = config.Load(v)
	if err != nil {
		return err
	}
	dbPath = cfg.DBPath

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return nil
}

// loadSeries reads today and tomorrow from the cache, going to the feed when
// the cache has nothing for the current hour
func loadSeries(ctx context.Context, st *store.Store, now time.Time) (engine.PriceSeries, error) {
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	series, err := st.GetPrices(cfg.Feed.PriceArea, from, from.AddDate(0, 0, 2))
	if err != nil {
		return nil, err
	}
	if _, err := engine.FindCurrentPrice(series, now); err == nil {
		return series, nil
	}

	logrus.WithField("area", cfg.Feed.PriceArea).Debug("cache has no current price, fetching")
	series, err = prices.NewClient(cfg.Feed).FetchTodayAndTomorrow(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "fetching prices")
	}
	if err := st.SavePrices(cfg.Feed.PriceArea, series, now); err != nil {
		return nil, err
	}
	return series, nil
}

func currentParams(st *store.Store) (engine.VehicleParams, error) {
	p, err := st.GetVehicleParams(store.DefaultProfile)
	if errors.Is(err, store.ErrNotFound) {
		return cfg.Vehicle, nil
	}
	return p, err
}

func fetchCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch today's and tomorrow's spot prices from Energi Data Service",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()

			series, err := prices.NewClient(cfg.Feed).FetchTodayAndTomorrow(cmd.Context(), now)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Fetched %d prices for %s\n", len(series), cfg.Feed.PriceArea)

			if save {
				st, err := store.NewStore(dbPath)
				if err != nil {
					return errors.Wrap(err, "opening database")
				}
				defer st.Close()

				if err := st.SavePrices(cfg.Feed.PriceArea, series, now); err != nil {
					return err
				}
			}

			type priceOut struct {
				Time  time.Time `json:"time"`
				Price string    `json:"price"`
			}
			out := make([]priceOut, len(series))
			for i, r := range series {
				out[i] = priceOut{Time: r.Time, Price: r.Price.StringFixed(2)}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&save, "save", true, "Store fetched prices in the database")

	return cmd
}

func windowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "windows",
		Short: "Show charging windows for every hour of today and tomorrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewStore(dbPath)
			if err != nil {
				return errors.Wrap(err, "opening database")
			}
			defer st.Close()

			now := time.Now()
			params, err := currentParams(st)
			if err != nil {
				return err
			}
			series, err := loadSeries(cmd.Context(), st, now)
			if err != nil {
				return err
			}

			windows := engine.DailyWindows(series, engine.HourlyAnchors(now, 2), params.WindowHours())
			if kmPerKwh, petrol, err := engine.Economics(params); err == nil {
				engine.MarkTooExpensive(windows, engine.Evaluation{KmPerKwh: kmPerKwh, PetrolCostPerKm: petrol})
			}

			fmt.Printf("%d-hour windows (* cheapest of day, ! dearer than petrol)\n\n", params.WindowHours())
			printWindows(windows, "Mon 02 Jan 15:04")
			return nil
		},
	}
}

func exploreCmd() *cobra.Command {
	var at string
	var hours int

	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Show windows of 1..N hours starting at one hour",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now().Truncate(time.Hour)
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return errors.Wrap(err, "invalid --at (use RFC3339)")
				}
				start = t.Truncate(time.Hour)
			}
			if hours <= 0 {
				hours = cfg.ExploreHours
			}

			st, err := store.NewStore(dbPath)
			if err != nil {
				return errors.Wrap(err, "opening database")
			}
			defer st.Close()

			series, err := st.GetPrices(cfg.Feed.PriceArea, start, start.Add(time.Duration(hours)*time.Hour))
			if err != nil {
				return err
			}

			fmt.Printf("Windows from %s (* cheapest)\n\n", start.Local().Format("Mon 02 Jan 15:04"))
			printWindows(engine.WindowsFromInstant(series, start, hours), "15:04")
			fmt.Printf("\nprevious: %s  next: %s\n",
				start.Add(-time.Hour).Format(time.RFC3339), start.Add(time.Hour).Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Start hour (RFC3339, default is the current hour)")
	cmd.Flags().IntVar(&hours, "hours", 0, "Longest window in hours (default from config)")

	return cmd
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Decide whether charging now beats petrol",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewStore(dbPath)
			if err != nil {
				return errors.Wrap(err, "opening database")
			}
			defer st.Close()

			now := time.Now()
			params, err := currentParams(st)
			if err != nil {
				return err
			}
			series, err := loadSeries(cmd.Context(), st, now)
			if err != nil {
				return err
			}

			eval, err := engine.EvaluateAt(params, series, now)
			switch {
			case errors.Is(err, engine.ErrNoCurrentPrice):
				fmt.Println("Current price: no data")
				return nil
			case errors.Is(err, engine.ErrDivisionUndefined):
				fmt.Println("Cannot compute: battery capacity, fuel economy and electric range must be non-zero")
				return nil
			case err != nil:
				return err
			}

			fmt.Printf("Current price:      %s per kWh\n", engine.RoundPrice(eval.CurrentPrice).StringFixed(2))
			fmt.Printf("Range per kWh:      %s km\n", eval.KmPerKwhDisplay())
			fmt.Printf("Electric per km:    %s\n", eval.ElectricCostPerKm.StringFixed(2))
			fmt.Printf("Petrol per km:      %s\n", eval.PetrolCostPerKm.StringFixed(2))
			if eval.ShouldCharge {
				fmt.Println("\n✓ Charge now, electricity is cheaper")
			} else {
				fmt.Println("\n✗ Drive on petrol, electricity is dearer")
			}
			return nil
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change vehicle settings",
	}

	cmd.AddCommand(settingsGetCmd())
	cmd.AddCommand(settingsSetCmd())

	return cmd
}

func settingsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the saved vehicle settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewStore(dbPath)
			if err != nil {
				return errors.Wrap(err, "opening database")
			}
			defer st.Close()

			params, err := currentParams(st)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(params)
		},
	}
}

func settingsSetCmd() *cobra.Command {
	var petrol, economy, battery, rangeKm string
	var duration int

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change vehicle settings; unset flags keep their value",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewStore(dbPath)
			if err != nil {
				return errors.Wrap(err, "opening database")
			}
			defer st.Close()

			params, err := currentParams(st)
			if err != nil {
				return err
			}

			fields := []struct {
				flag string
				val  string
				dst  *decimal.Decimal
			}{
				{"petrol-price", petrol, &params.PetrolPricePerLiter},
				{"fuel-economy", economy, &params.FuelEconomyKmPerLiter},
				{"battery", battery, &params.BatteryCapacityKwh},
				{"range", rangeKm, &params.ElectricRangeKm},
			}
			for _, f := range fields {
				if !cmd.Flags().Changed(f.flag) {
					continue
				}
				d, err := decimal.NewFromString(f.val)
				if err != nil || d.IsNegative() {
					return errors.Newf("invalid --%s %q", f.flag, f.val)
				}
				*f.dst = d
			}
			if cmd.Flags().Changed("duration") {
				params.ChargeDurationHours = duration
			}

			if err := st.SaveVehicleParams(store.DefaultProfile, params); err != nil {
				return err
			}

			fmt.Println("✓ Saved vehicle settings")
			return nil
		},
	}

	cmd.Flags().StringVar(&petrol, "petrol-price", "", "Petrol price per liter")
	cmd.Flags().StringVar(&economy, "fuel-economy", "", "Fuel economy in km per liter")
	cmd.Flags().StringVar(&battery, "battery", "", "Battery capacity in kWh")
	cmd.Flags().StringVar(&rangeKm, "range", "", "Electric range in km")
	cmd.Flags().IntVar(&duration, "duration", 0, "Charge duration in hours")

	return cmd
}

func printWindows(windows []engine.Window, layout string) {
	fmt.Printf("%-18s %-18s %10s  %s\n", "START", "END", "MEAN", "")
	fmt.Println("--------------------------------------------------------")

	for _, w := range windows {
		mean := "no data"
		if w.MeanPrice.Valid {
			mean = engine.RoundPrice(w.MeanPrice.Decimal).StringFixed(2)
		}
		marks := ""
		if w.Cheapest {
			marks += "*"
		}
		if w.TooExpensive {
			marks += "!"
		}
		fmt.Printf("%-18s %-18s %10s  %s\n",
			w.Start.Local().Format(layout), w.End.Local().Format(layout), mean, marks)
	}
}
