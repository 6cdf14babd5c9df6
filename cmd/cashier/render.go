package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jogardn/orderboard/internal/lifecycle"
	"github.com/jogardn/orderboard/pkg/models"
)

var laneTitles = map[lifecycle.Lane]string{
	lifecycle.LanePending:   "NEW ORDERS",
	lifecycle.LanePreparing: "PREPARING",
	lifecycle.LaneReady:     "READY",
	lifecycle.LaneCompleted: "COMPLETED",
}

func renderLanes(w io.Writer, lanes lifecycle.Lanes, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, lane := range lifecycle.LaneOrder {
		list := lanes.Get(lane)
		fmt.Fprintf(tw, "%s (%d)\n", laneTitles[lane], len(list))
		if len(list) == 0 {
			fmt.Fprintln(tw, "  -")
		}
		for _, o := range list {
			fmt.Fprintf(tw, "  #%s\t%s\t%s\t%d items\t%s\t%s\t%s\n",
				o.OrderNumber,
				o.Customer.Name,
				orderType(o),
				itemCount(o),
				o.Total.StringFixed(2),
				age(o.CreatedAt, now),
				actionHint(o.Status),
			)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func orderType(o models.Order) string {
	if o.Type == models.OrderTypeDineIn && o.TableNumber != nil {
		return fmt.Sprintf("dine-in #%d", *o.TableNumber)
	}
	return string(o.Type)
}

func itemCount(o models.Order) int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

func age(created, now time.Time) string {
	d := now.Sub(created)
	if d < time.Minute {
		return "now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm ago", int(d.Hours()), int(d.Minutes())%60)
}

func actionHint(s models.OrderStatus) string {
	actions := lifecycle.Actions(s)
	if len(actions) == 0 {
		return ""
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return "[" + strings.Join(names, "|") + "]"
}
