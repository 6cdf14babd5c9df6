package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/board"
	"github.com/jogardn/orderboard/internal/lifecycle"
	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/internal/websocket"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var watch bool

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show active orders by lane",
	Long: `Print the pending, preparing, ready and completed lanes of the tenant
the token belongs to. With --watch the board stays open and reprints on
every change until interrupted.`,
	RunE: runBoard,
}

func init() {
	boardCmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep the board open and follow changes")
}

func runBoard(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !watch {
		b := board.New(s.client, nil, logger, board.WithNotifier(s.notifier()), board.WithLanguage(s.lang))
		if err := b.Load(cmd.Context(), s.claims.TenantID); err != nil {
			return err
		}
		return renderLanes(out, b.Lanes(), time.Now())
	}

	dialer, err := websocket.NewDialer(backendURL, token, logger)
	if err != nil {
		return err
	}
	b := board.New(s.client, dialer, logger, board.WithNotifier(s.notifier()), board.WithLanguage(s.lang))
	b.OnChange(func(lanes lifecycle.Lanes) {
		fmt.Fprint(out, "\033[H\033[2J")
		if err := renderLanes(out, lanes, time.Now()); err != nil {
			logger.WithError(err).Warn("Failed to render board")
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tenants := make(chan string, 1)
	tenants <- s.claims.TenantID
	return b.Run(ctx, tenants)
}

type actionSpec struct {
	use    string
	short  string
	action lifecycle.Action
}

var actionSpecs = []actionSpec{
	{"accept", "Accept a pending order and start preparing it", lifecycle.ActionAccept},
	{"reject", "Reject a pending order", lifecycle.ActionReject},
	{"ready", "Mark a preparing order as ready for pickup", lifecycle.ActionMarkReady},
	{"complete", "Mark a ready order as handed over", lifecycle.ActionMarkCompleted},
}

func actionCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(actionSpecs))
	for _, spec := range actionSpecs {
		action := spec.action
		cmds = append(cmds, &cobra.Command{
			Use:   spec.use + " <order-id-or-number>",
			Short: spec.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAction(cmd.Context(), action, args[0])
			},
		})
	}
	return cmds
}

func runAction(ctx context.Context, action lifecycle.Action, ref string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	b := board.New(s.client, nil, logger, board.WithNotifier(s.notifier()), board.WithLanguage(s.lang))
	if err := b.Load(ctx, s.claims.TenantID); err != nil {
		return err
	}

	orderID, err := resolveOrder(b.Orders(), ref)
	if err != nil {
		return err
	}
	return b.Apply(ctx, orderID, action)
}

// resolveOrder accepts either an order id or today's order number.
func resolveOrder(active []models.Order, ref string) (string, error) {
	for _, o := range active {
		if o.ID == ref {
			return o.ID, nil
		}
	}
	var match []models.Order
	for _, o := range active {
		if o.OrderNumber == ref || strings.TrimLeft(o.OrderNumber, "0") == strings.TrimLeft(ref, "0") {
			match = append(match, o)
		}
	}
	switch len(match) {
	case 0:
		return "", fmt.Errorf("%w: %s", board.ErrUnknownOrder, ref)
	case 1:
		return match[0].ID, nil
	default:
		return "", fmt.Errorf("order number %s is ambiguous, use the order id", ref)
	}
}

var (
	createName    string
	createPhone   string
	createEmail   string
	createType    string
	createTable   int
	createPayment string
	createUnpaid  bool
	createNotes   string
	createItems   []string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new order",
	Long: `Create a new order from the register.

Items are given as name:quantity:price, for example
  cashier create --name Sara --phone 0501234567 --item "Spanish Latte:2:25" --item "Croissant:1:8"`,
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createName, "name", "", "customer name")
	f.StringVar(&createPhone, "phone", "", "customer phone")
	f.StringVar(&createEmail, "email", "", "customer email")
	f.StringVar(&createType, "type", string(models.OrderTypePickup), "pickup, dinein or delivery")
	f.IntVar(&createTable, "table", 0, "table number for dine-in orders")
	f.StringVar(&createPayment, "payment", string(models.PaymentCash), "cash, card, apple_pay or mada")
	f.BoolVar(&createUnpaid, "unpaid", false, "order has not been paid yet")
	f.StringVar(&createNotes, "notes", "", "notes for the kitchen")
	f.StringArrayVar(&createItems, "item", nil, "item as name:quantity:price (repeatable)")
}

func parseItem(s string) (models.OrderItem, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return models.OrderItem{}, fmt.Errorf("item %q: want name:quantity:price", s)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return models.OrderItem{}, fmt.Errorf("item %q: bad quantity: %w", s, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
	if err != nil {
		return models.OrderItem{}, fmt.Errorf("item %q: bad price: %w", s, err)
	}
	return models.OrderItem{Name: strings.TrimSpace(parts[0]), Quantity: qty, Price: price}, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}

	var items []models.OrderItem
	for _, raw := range createItems {
		item, err := parseItem(raw)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	form := board.NewForm(s.client, logger,
		board.WithFormNotifier(s.notifier()),
		board.WithFormLanguage(s.lang),
		board.WithFormTaxRate(cfg.TaxRate),
	)
	form.Edit(func(d *orders.Draft) {
		d.Type = models.OrderType(createType)
		d.Customer = models.Customer{Name: createName, Phone: createPhone, Email: createEmail}
		d.PaymentMethod = models.PaymentMethod(createPayment)
		d.IsPaid = !createUnpaid
		d.Notes = createNotes
		if createTable > 0 {
			table := createTable
			d.TableNumber = &table
		}
		if len(items) > 0 {
			d.Items = items
		}
	})

	logger.WithField("total", form.Totals().Total.StringFixed(2)).Debug("Submitting order")
	order, err := form.Submit(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Order #%s created (%s)\n  subtotal %s\n  tax      %s\n  total    %s\n",
		order.OrderNumber, order.ID,
		order.Subtotal.StringFixed(2), order.Tax.StringFixed(2), order.Total.StringFixed(2))
	return nil
}

var (
	tokenUser   string
	tokenTenant string
	tokenRole   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development token signed with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		authn := auth.NewAuthenticator(cfg.JWTSecret, logger)
		signed, err := authn.IssueToken(tokenUser, tokenTenant, models.StaffRole(tokenRole))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "cashier-1", "staff user id")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleCashier), "staff role")
	tokenCmd.MarkFlagRequired("tenant")
}
