// Command cashier is the register-side client of the order service: a live
// order board plus one-shot lifecycle and creation commands.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/board"
	"github.com/jogardn/orderboard/internal/config"
	"github.com/jogardn/orderboard/internal/orders"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger *logrus.Logger

	backendURL string
	token      string
	language   string
	timeout    time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cashier",
	Short: "Order board for the register",
	Long: `cashier shows the live order board of the signed-in tenant and moves
orders through their lifecycle.

Configuration comes from the environment (BACKEND_URL, CASHIER_TOKEN,
CASHIER_LANGUAGE, BACKEND_TIMEOUT) and can be overridden with flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(logrus.InfoLevel)
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}

		if !cmd.Flags().Changed("backend") {
			backendURL = cfg.BackendURL
		}
		if !cmd.Flags().Changed("token") {
			token = cfg.Token
		}
		if !cmd.Flags().Changed("lang") {
			language = cfg.Language
		}
		if !cmd.Flags().Changed("timeout") {
			timeout = cfg.BackendTimeout
		}
		return nil
	},
}

func init() {
	cfg = config.Load()

	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "order service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token of the signed-in staff member")
	rootCmd.PersistentFlags().StringVar(&language, "lang", "en", "notification language (en or ar)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(boardCmd, createCmd, tokenCmd)
	for _, cmd := range actionCmds() {
		rootCmd.AddCommand(cmd)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is what every backend command needs.
type session struct {
	client *orders.Client
	claims *auth.Claims
	lang   board.Language
}

func newSession() (*session, error) {
	if token == "" {
		return nil, fmt.Errorf("no token: set CASHIER_TOKEN or pass --token")
	}
	claims, err := auth.PeekClaims(token)
	if err != nil {
		return nil, err
	}
	lang := board.English
	if language == string(board.Arabic) {
		lang = board.Arabic
	}
	return &session{
		client: orders.NewClient(backendURL, token, timeout, logger),
		claims: claims,
		lang:   lang,
	}, nil
}

func (s *session) notifier() board.Notifier {
	return board.LogNotifier{Logger: logger}
}
