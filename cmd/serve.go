package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tiny-walnut-games/oasis-core/oasis"
	"github.com/tiny-walnut-games/oasis-core/oasis/gateway"
	"github.com/tiny-walnut-games/oasis-core/oasis/player"
	"github.com/tiny-walnut-games/oasis-core/oasis/store"
)

var (
	configPath string
	bindAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: scheduler, routers and WebSocket gateway",
	Run: func(cmd *cobra.Command, args []string) {
		// .env is optional; flags and the YAML file take precedence.
		if err := godotenv.Load(); err == nil {
			logrus.Debug("[serve] loaded .env")
		}

		cfg, err := oasis.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Failed to load config: %v", err)
		}
		if bindAddr != "" {
			cfg.Bind = bindAddr
		}
		if cfg.AdminToken == "" {
			cfg.AdminToken = os.Getenv("OASIS_ADMIN_TOKEN")
		}

		srv, err := buildServer(cfg)
		if err != nil {
			logrus.Fatalf("Failed to assemble orchestrator: %v", err)
		}
		if err := srv.Run(); err != nil {
			logrus.Fatalf("Orchestrator exited: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&bindAddr, "bind", "", "Listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

// server owns the explicit dependency graph assembled at startup: registry,
// event router, player router, gateway, scheduler, and the optional
// snapshot store. No component is a global.
type server struct {
	cfg       oasis.Config
	registry  *oasis.Registry
	router    *oasis.Router
	players   *player.Router
	gateway   *gateway.Gateway
	scheduler *oasis.Scheduler
	snapshots *store.SQLite
}

// realmDirectory adapts the registry to the player router's view of realms.
type realmDirectory struct {
	registry *oasis.Registry
}

func (d realmDirectory) LookupRealm(realmID string) (oasis.Address, bool) {
	inst := d.registry.LookupByRealmID(realmID)
	if inst == nil {
		return oasis.Address{}, false
	}
	return inst.Address, true
}

// travelAnnouncer adapts the event router into the player router's
// mobility announcements.
type travelAnnouncer struct {
	router *oasis.Router
}

func (a travelAnnouncer) AnnounceTravel(source oasis.Address, payload map[string]any) {
	ev, err := oasis.NewTravelEvent(source, payload)
	if err != nil {
		logrus.Warnf("[serve] building player_traveled event: %v", err)
		return
	}
	if err := a.router.Enqueue(ev); err != nil {
		logrus.Warnf("[serve] queueing player_traveled event: %v", err)
	}
}

func buildServer(cfg oasis.Config) (*server, error) {
	registry := oasis.NewRegistry()
	router := oasis.NewRouter(registry, cfg.RouterCapacity)
	players := player.NewRouter(realmDirectory{registry}, travelAnnouncer{router})
	gw := gateway.New(cfg, registry, router, players, nil)
	scheduler := oasis.NewScheduler(cfg, registry, router, gw)
	gw.AttachScheduler(scheduler)

	srv := &server{
		cfg:       cfg,
		registry:  registry,
		router:    router,
		players:   players,
		gateway:   gw,
		scheduler: scheduler,
	}

	if cfg.SnapshotPath != "" {
		snapshots, err := store.Open(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		srv.snapshots = snapshots
		srv.restore()
	}
	return srv, nil
}

// restore replays the persisted player snapshot. The registry snapshot is
// not restored here: serve wires no engine factory to rebuild instances.
func (s *server) restore() {
	if blob, ok, err := s.snapshots.Load("players"); err != nil {
		logrus.Warnf("[serve] loading player snapshot: %v", err)
	} else if ok {
		if err := s.players.Restore(blob); err != nil {
			logrus.Warnf("[serve] restoring players: %v", err)
		}
	}
}

// persist writes component snapshots on shutdown.
func (s *server) persist() {
	if s.snapshots == nil {
		return
	}
	if blob, err := s.players.Snapshot(); err == nil {
		if err := s.snapshots.Save("players", blob); err != nil {
			logrus.Warnf("[serve] saving player snapshot: %v", err)
		}
	}
	if blob, err := s.registry.Snapshot(); err == nil {
		if err := s.snapshots.Save("registry", blob); err != nil {
			logrus.Warnf("[serve] saving registry snapshot: %v", err)
		}
	}
	if err := s.snapshots.Close(); err != nil {
		logrus.Warnf("[serve] closing snapshot store: %v", err)
	}
}

// Run starts the scheduler and HTTP listener and blocks until SIGINT or
// SIGTERM, then stops the scheduler gracefully and persists snapshots.
func (s *server) Run() error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	httpSrv := &http.Server{Addr: s.cfg.Bind, Handler: s.gateway.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("[serve] gateway listening on %s", s.cfg.Bind)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logrus.Infof("[serve] received %s, shutting down", sig)
	case err := <-errCh:
		logrus.Errorf("[serve] listener failed: %v", err)
		s.scheduler.Stop()
		s.persist()
		return err
	}

	_ = httpSrv.Close()
	s.scheduler.Stop()
	s.persist()
	logrus.Info("[serve] shutdown complete")
	return nil
}
