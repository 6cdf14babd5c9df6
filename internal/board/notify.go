package board

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// MessageKey identifies a user-facing notification independent of language.
type MessageKey string

const (
	MsgLoadFailed     MessageKey = "load_failed"
	MsgUpdateFailed   MessageKey = "update_failed"
	MsgOrderAccepted  MessageKey = "order_accepted"
	MsgOrderRejected  MessageKey = "order_rejected"
	MsgOrderReady     MessageKey = "order_ready"
	MsgOrderCompleted MessageKey = "order_completed"
	MsgOrderCreated   MessageKey = "order_created"
	MsgCreateFailed   MessageKey = "create_failed"
	MsgNameRequired   MessageKey = "name_required"
	MsgPhoneRequired  MessageKey = "phone_required"
	MsgItemsRequired  MessageKey = "items_required"
)

type Language string

const (
	English Language = "en"
	Arabic  Language = "ar"
)

type text struct {
	title, detail string
}

var catalog = map[Language]map[MessageKey]text{
	English: {
		MsgLoadFailed:     {"Failed to load orders", ""},
		MsgUpdateFailed:   {"Failed to update order", ""},
		MsgOrderAccepted:  {"Order accepted", "Order moved to preparing"},
		MsgOrderRejected:  {"Order rejected", "Customer will be notified"},
		MsgOrderReady:     {"Order ready!", "Customer notified"},
		MsgOrderCompleted: {"Order completed", "Thank you!"},
		MsgOrderCreated:   {"Order created successfully", ""},
		MsgCreateFailed:   {"Failed to create order", ""},
		MsgNameRequired:   {"Please enter customer name", ""},
		MsgPhoneRequired:  {"Please enter phone number", ""},
		MsgItemsRequired:  {"Please add at least one item", ""},
	},
	Arabic: {
		MsgLoadFailed:     {"فشل تحميل الطلبات", ""},
		MsgUpdateFailed:   {"فشل تحديث الطلب", ""},
		MsgOrderAccepted:  {"تم قبول الطلب", "تم نقل الطلب إلى قيد التحضير"},
		MsgOrderRejected:  {"تم رفض الطلب", "سيتم إشعار العميل"},
		MsgOrderReady:     {"الطلب جاهز!", "تم إشعار العميل"},
		MsgOrderCompleted: {"تم تسليم الطلب", "شكراً لك!"},
		MsgOrderCreated:   {"تم إنشاء الطلب بنجاح", ""},
		MsgCreateFailed:   {"فشل إنشاء الطلب", ""},
		MsgNameRequired:   {"الرجاء إدخال اسم العميل", ""},
		MsgPhoneRequired:  {"الرجاء إدخال رقم الهاتف", ""},
		MsgItemsRequired:  {"الرجاء إضافة منتج واحد على الأقل", ""},
	},
}

// Notification is a transient message for the operator.
type Notification struct {
	Level   Level      `json:"level"`
	Key     MessageKey `json:"key"`
	Title   string     `json:"title"`
	Detail  string     `json:"detail,omitempty"`
	OrderID string     `json:"order_id,omitempty"`
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Localize builds a notification in lang, falling back to English.
func Localize(lang Language, level Level, key MessageKey) Notification {
	msgs, ok := catalog[lang]
	if !ok {
		msgs = catalog[English]
	}
	t, ok := msgs[key]
	if !ok {
		t = text{title: string(key)}
	}
	return Notification{Level: level, Key: key, Title: t.title, Detail: t.detail}
}

// LogNotifier writes notifications to a logger. The cashier CLI uses it.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(note Notification) {
	entry := n.Logger.WithFields(logrus.Fields{
		"key":      note.Key,
		"order_id": note.OrderID,
	})
	msg := note.Title
	if note.Detail != "" {
		msg += ": " + note.Detail
	}
	switch note.Level {
	case LevelError:
		entry.Error(msg)
	case LevelWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}

// Recorder keeps every notification it receives. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *Recorder) Keys() []MessageKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]MessageKey, len(r.notes))
	for i, n := range r.notes {
		keys[i] = n.Key
	}
	return keys
}
