package lifecycle

import "github.com/jogardn/orderboard/pkg/models"

type Lane string

const (
	LanePending   Lane = "pending"
	LanePreparing Lane = "preparing"
	LaneReady     Lane = "ready"
	LaneCompleted Lane = "completed"
)

// LaneOrder is the left-to-right order of the board.
var LaneOrder = []Lane{LanePending, LanePreparing, LaneReady, LaneCompleted}

type Lanes struct {
	Pending   []models.Order `json:"pending"`
	Preparing []models.Order `json:"preparing"`
	Ready     []models.Order `json:"ready"`
	Completed []models.Order `json:"completed"`
}

// LaneOf returns the lane an order with status s renders in. Cancelled
// orders have no lane.
func LaneOf(s models.OrderStatus) (Lane, bool) {
	switch s {
	case models.StatusPending:
		return LanePending, true
	case models.StatusPreparing, models.StatusConfirmed:
		return LanePreparing, true
	case models.StatusReady:
		return LaneReady, true
	case models.StatusCompleted:
		return LaneCompleted, true
	}
	return "", false
}

// Partition groups orders into lanes, keeping their relative order.
func Partition(orders []models.Order) Lanes {
	var l Lanes
	for _, o := range orders {
		lane, ok := LaneOf(o.Status)
		if !ok {
			continue
		}
		switch lane {
		case LanePending:
			l.Pending = append(l.Pending, o)
		case LanePreparing:
			l.Preparing = append(l.Preparing, o)
		case LaneReady:
			l.Ready = append(l.Ready, o)
		case LaneCompleted:
			l.Completed = append(l.Completed, o)
		}
	}
	return l
}

func (l Lanes) Get(lane Lane) []models.Order {
	switch lane {
	case LanePending:
		return l.Pending
	case LanePreparing:
		return l.Preparing
	case LaneReady:
		return l.Ready
	case LaneCompleted:
		return l.Completed
	}
	return nil
}

func (l Lanes) Len() int {
	return len(l.Pending) + len(l.Preparing) + len(l.Ready) + len(l.Completed)
}
