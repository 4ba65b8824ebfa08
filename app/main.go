package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/Divinical/Waymark/app/blob"
	"github.com/Divinical/Waymark/app/engine"
	"github.com/Divinical/Waymark/app/notify"
	"github.com/Divinical/Waymark/app/service"
	"github.com/Divinical/Waymark/app/store"
	"github.com/Divinical/Waymark/app/web"
)

var opts struct {
	DB           string `long:"db" env:"WAYMARK_DB" default:"var/waymark.db" description:"primary store path"`
	BlobDB       string `long:"blob-db" env:"WAYMARK_BLOB_DB" default:"var/screenshots.db" description:"screenshot store path"`
	NoBlobs      bool   `long:"no-blobs" env:"WAYMARK_NO_BLOBS" description:"disable the screenshot store"`
	SettingsFile string `long:"settings" env:"WAYMARK_SETTINGS" description:"yaml file seeding initial settings"`
	Cleanup      string `long:"cleanup" env:"WAYMARK_CLEANUP" default:"@daily" description:"cron spec for the age sweep"`
	Dbg          bool   `long:"dbg" env:"WAYMARK_DEBUG" description:"debug mode"`

	Quota struct {
		Limit       int64         `long:"limit" env:"LIMIT" default:"5242880" description:"primary store byte limit"`
		WarnPct     float64       `long:"warn" env:"WARN" default:"0.8" description:"warn threshold fraction"`
		Keep        int           `long:"keep" env:"KEEP" default:"5" description:"sessions kept on capacity eviction"`
		BlobTTL     time.Duration `long:"blob-ttl" env:"BLOB_TTL" default:"720h" description:"screenshot age ceiling"`
		SessionTTL  time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"2160h" description:"session staleness window"`
		MinFreeDisk int64         `long:"min-free-disk" env:"MIN_FREE_DISK" description:"min free disk bytes, 0 disables the check"`
	} `group:"quota" namespace:"quota" env-namespace:"WAYMARK_QUOTA"`

	Retry struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to attempt a failed write"`
		Delay    time.Duration `long:"delay" env:"DELAY" default:"1s" description:"linear backoff delay unit"`
	} `group:"retry" namespace:"retry" env-namespace:"WAYMARK_RETRY"`

	Web struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable json api server"`
		Address  string `long:"address" env:"ADDRESS" default:"localhost:8080" description:"api listen address"`
		AuthHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash of the api password (empty disables auth)"`
	} `group:"web" namespace:"web" env-namespace:"WAYMARK_WEB"`

	Notify struct {
		EnabledCapacity    bool          `long:"enabled-capacity" env:"ENABLED_CAPACITY" description:"notify on dropped over-quota writes"`
		EnabledWriteFailed bool          `long:"enabled-write-failed" env:"ENABLED_WRITE_FAILED" description:"notify on writes that exhausted retries"`
		EnabledQuotaWarn   bool          `long:"enabled-quota-warn" env:"ENABLED_QUOTA_WARN" description:"notify when usage crosses the warn threshold"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS       bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		TimeOut            time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification delivery timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		WebhookURLs        []string      `long:"webhook" env:"WEBHOOK" description:"webhook destination url(s)" env-delim:","`
		WebhookHeaders     []string      `long:"webhook-header" env:"WEBHOOK_HEADERS" description:"webhook header(s)" env-delim:","`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running waymark"`
	} `group:"notify" namespace:"notify" env-namespace:"WAYMARK_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"file" env:"FILE" default:"waymark.log" description:"location of log file"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes before it gets rotated"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"determines if the rotated log files should be compressed"`
	} `group:"log" namespace:"log" env-namespace:"WAYMARK_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("waymark %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	kv, blobs, err := makeStores()
	if err != nil {
		log.Printf("[ERROR] failed to open stores, %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Printf("[WARN] failed to close primary store, %v", err)
		}
	}()

	events := make(chan store.Event, 100)
	onEvent := func(ev store.Event) {
		select {
		case events <- ev:
		default:
			log.Printf("[WARN] event channel full, dropped %s event for %q", ev.Kind, ev.Key)
		}
	}

	eviction := store.NewEviction(kv, blobs, opts.Quota.Keep, opts.Quota.BlobTTL, opts.Quota.SessionTTL)
	quota := store.NewQuotaMonitor(kv, eviction, opts.Quota.Limit, opts.Quota.WarnPct,
		func(used, limit int64) {
			onEvent(store.Event{Kind: store.EventQuotaWarning, Used: used, Limit: limit})
		})
	if opts.Quota.MinFreeDisk > 0 {
		quota = quota.WithDiskCheck(filepath.Dir(opts.DB), opts.Quota.MinFreeDisk)
	}

	rptr := repeater.New(&store.LinearBackoff{Repeats: opts.Retry.Attempts, Delay: opts.Retry.Delay})
	queue := store.NewQueue(kv, quota, rptr, onEvent)
	st := store.New(store.Params{Engine: kv, Queue: queue, Blobs: blobs, Eviction: eviction})

	seedSettings(ctx, st)

	waymarkService := service.Service{
		Cron:            cron.New(),
		Store:           st,
		Notifier:        makeNotifier(),
		Events:          events,
		CleanupSchedule: opts.Cleanup,
		NotifyTimeout:   opts.Notify.TimeOut,
		HostName:        makeHostName(),
	}

	if opts.Web.Enabled {
		srv, err := web.New(web.Config{
			Storage:      st,
			Blobs:        blobs,
			Version:      revision,
			PasswordHash: opts.Web.AuthHash,
			QuotaLimit:   opts.Quota.Limit,
		})
		if err != nil {
			log.Printf("[ERROR] failed to make api server, %v", err)
			os.Exit(1)
		}
		waymarkService.Web = srv
		waymarkService.WebAddress = opts.Web.Address
	}

	signals(cancel) // handle SIGQUIT and SIGTERM
	waymarkService.Do(ctx)
}

// makeStores opens the sqlite backends, creating parent dirs as needed. The
// primary store gets a hard byte cap at twice the quota so the monitor always
// acts first.
func makeStores() (*engine.KV, *blob.Store, error) {
	if err := os.MkdirAll(filepath.Dir(opts.DB), 0o700); err != nil {
		return nil, nil, fmt.Errorf("can't create db directory: %w", err)
	}

	kv, err := engine.NewKV(opts.DB, opts.Quota.Limit*2)
	if err != nil {
		return nil, nil, fmt.Errorf("can't open primary store: %w", err)
	}

	if opts.NoBlobs {
		log.Printf("[INFO] screenshot store disabled")
		return kv, blob.New(nil, 0), nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.BlobDB), 0o700); err != nil {
		return nil, nil, fmt.Errorf("can't create blob db directory: %w", err)
	}
	bdb, err := engine.NewBlobDB(opts.BlobDB)
	if err != nil {
		// a broken blob store degrades screenshots, it should not kill the service
		log.Printf("[WARN] can't open screenshot store, continuing without: %v", err)
		return kv, blob.New(nil, 0), nil
	}
	return kv, blob.New(bdb, 10*time.Second), nil
}

// seedSettings applies the yaml settings file once, existing settings win
func seedSettings(ctx context.Context, st *store.Store) {
	if opts.SettingsFile == "" {
		return
	}
	current := st.Settings(ctx)
	if current != (store.Settings{}) {
		log.Printf("[DEBUG] settings already present, seed file ignored")
		return
	}

	body, err := os.ReadFile(opts.SettingsFile) // nolint:gosec // path is operator config
	if err != nil {
		log.Printf("[WARN] can't read settings file %s, %v", opts.SettingsFile, err)
		return
	}
	var settings store.Settings
	if err := yaml.Unmarshal(body, &settings); err != nil {
		log.Printf("[WARN] can't parse settings file %s, %v", opts.SettingsFile, err)
		return
	}
	if err := st.SetSettings(ctx, settings); err != nil {
		log.Printf("[WARN] can't apply seeded settings, %v", err)
		return
	}
	log.Printf("[INFO] settings seeded from %s", opts.SettingsFile)
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledCapacity && !opts.Notify.EnabledWriteFailed && !opts.Notify.EnabledQuotaWarn {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "waymark@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledCapacity:     opts.Notify.EnabledCapacity,
			EnabledWriteFailed:  opts.Notify.EnabledWriteFailed,
			EnabledQuotaWarning: opts.Notify.EnabledQuotaWarn,
		},
		notify.SendersParams{
			FromEmail:      opts.Notify.FromEmail,
			ToEmails:       opts.Notify.ToEmails,
			SMTPHost:       opts.Notify.SMTPHost,
			SMTPPort:       opts.Notify.SMTPPort,
			SMTPUsername:   opts.Notify.SMTPUsername,
			SMTPPassword:   opts.Notify.SMTPPassword,
			SMTPTLS:        opts.Notify.SMTPTLS,
			SMTPStartTLS:   opts.Notify.SMTPStartTLS,
			TimeOut:        opts.Notify.TimeOut,
			WebhookURLs:    opts.Notify.WebhookURLs,
			WebhookHeaders: opts.Notify.WebhookHeaders,
		},
	)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures logging and returns the writer logs go to, stdout or a
// rotated file
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		if opts.Dbg {
			log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
			return os.Stdout
		}
		log.Setup(log.Msec)
		return os.Stdout
	}

	fileWriter := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}

	logOpts := []log.Option{log.Msec, log.Out(fileWriter), log.Err(fileWriter)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return fileWriter
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
