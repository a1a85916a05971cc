package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"clinicmsg/internal/auth"
	"clinicmsg/internal/clinic"
	"clinicmsg/internal/config"
	"clinicmsg/internal/db"
	"clinicmsg/internal/delivery"
	httpx "clinicmsg/internal/http"
	"clinicmsg/internal/inbound"
	"clinicmsg/internal/jobs"
	"clinicmsg/internal/logging"
	"clinicmsg/internal/messaging"
	"clinicmsg/internal/processor"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicmsg",
		Short:        "Scheduled patient messaging engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything built from config; commands use the parts they need.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	db         *gorm.DB
	jobs       *jobs.Repo
	store      *clinic.Store
	deliveries *delivery.Repo
	sched      *jobs.Scheduler
}

func bootstrap(migrate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if migrate {
		if err := db.AutoMigrateAndIndexes(gdb); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		db:         gdb,
		jobs:       jobs.NewRepo(gdb),
		store:      clinic.NewStore(gdb),
		deliveries: delivery.NewRepo(gdb),
	}
	a.sched = jobs.NewScheduler(a.jobs, a.store, cfg.Rules(), cfg.RetryPolicy(), log)
	return a, nil
}

func (a *app) renderer() messaging.Renderer {
	if a.cfg.ContentServiceURL != "" {
		return messaging.NewRemoteRenderer(a.cfg.ContentServiceURL, messaging.NewClient("content", a.cfg.WhatsAppTimeout))
	}
	return messaging.NewTemplateRenderer(a.cfg.ClinicName, a.cfg.Location())
}

func (a *app) pool() *jobs.Pool {
	pool := jobs.NewPool(a.jobs, a.cfg.RetryPolicy(), a.cfg.Pool(), a.log)
	sender := messaging.NewWhatsAppClient(
		a.cfg.WhatsAppAPIURL,
		a.cfg.WhatsAppPhoneNumberID,
		a.cfg.WhatsAppAccessToken,
		messaging.NewClient("whatsapp", a.cfg.WhatsAppTimeout),
	)
	processor.Register(pool, processor.Deps{
		Jobs:       a.jobs,
		Clinic:     a.store,
		Deliveries: a.deliveries,
		Renderer:   a.renderer(),
		Sender:     sender,
		Log:        a.log.With().Str("component", "processor").Logger(),

		ReconcileWindow: a.cfg.DeliveryReconcileWindow,
	}, a.cfg.NoShowAfter)
	return pool
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(true)
			if err != nil {
				return err
			}

			jwtSvc := auth.NewJWT(a.cfg.JWTSecret, 0)
			r := httpx.NewRouter(a.cfg, httpx.Services{
				Jobs:       a.jobs,
				Deliveries: a.deliveries,
				Lifecycle:  clinic.NewLifecycle(a.store, a.sched, a.log),
				Inbound:    inbound.NewService(a.db, a.store, inbound.KeywordClassifier{}, a.sched, a.log),
			}, jwtSvc, a.log)

			srv := &http.Server{
				Addr:              a.cfg.HTTPAddr,
				Handler:           r,
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signalContext()
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.pool().Run(ctx) })
			g.Go(func() error {
				a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			a.log.Info().Msg("stopped")
			return err
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return a.pool().Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(true)
			if err != nil {
				return err
			}
			a.log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry scheduled jobs",
	}

	var f jobs.ListFilter
	var status, jobType string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			f.Status = jobs.Status(status)
			f.Type = jobs.JobType(jobType)
			list, err := a.jobs.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tFIRE AT\tATTEMPTS\tLAST ERROR")
			for _, j := range list {
				lastErr := ""
				if j.LastError != nil {
					lastErr = *j.LastError
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					j.ID, j.Status, j.FireAt.Format(time.RFC3339), j.Attempts, j.MaxAttempts, lastErr)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "PENDING, ACTIVE, COMPLETED or FAILED")
	listCmd.Flags().StringVar(&jobType, "type", "", "job type")
	listCmd.Flags().StringVar(&f.EntityID, "entity", "", "appointment or consultation id")
	listCmd.Flags().StringVar(&f.PatientID, "patient", "", "patient id")
	listCmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a FAILED job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			j, err := a.jobs.Requeue(cmd.Context(), args[0])
			if errors.Is(err, jobs.ErrNotFailed) {
				return fmt.Errorf("job %s is %s", j.ID, j.Status)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", j.ID)
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(retryCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a service token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.NewJWT(cfg.JWTSecret, ttl).Sign(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
