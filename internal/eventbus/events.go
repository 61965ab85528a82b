// Package eventbus is the single inter-component notification path: every
// cross-component signal (a position opening, a risk handler acting, a
// volatility class changing) is published here and fanned out synchronously,
// in publish order, to whatever listeners registered before the control
// loop started.
package eventbus

import (
	"time"

	"marginctl/internal/domain"
)

// Type identifies the kind of event carried by an Event.
type Type string

const (
	TypePositionOpened      Type = "position_opened"
	TypePositionClosed      Type = "position_closed"
	TypePositionModified    Type = "position_modified"
	TypePositionGrouped     Type = "position_grouped"
	TypeTrailingUpdated     Type = "trailing_updated"
	TypeScalingTriggered    Type = "scaling_triggered"
	TypeScalingCompleted    Type = "scaling_completed"
	TypeVolatilityChanged   Type = "volatility_changed"
	TypeMarginWarning       Type = "margin_warning"
	TypeMarginCritical      Type = "margin_critical"
	TypeMarginSafe          Type = "margin_safe"
	TypeProfitTargetReached Type = "profit_target_reached"
	TypeStagnantClosed      Type = "stagnant_closed"
	TypeError               Type = "error"
)

// Event is the typed envelope published on the bus. Only the field(s)
// relevant to Type are populated; the rest are zero.
type Event struct {
	Type Type
	At   time.Time

	Ticket   int64
	Symbol   string
	GroupID  string
	Level    int
	Opened   int
	Profit   float64
	OldClass string
	NewClass string

	// Error carries the structured failure for TypeError.
	Source  string
	Message string
	Cause   error

	Position *domain.Position
}

// PositionOpened builds a TypePositionOpened event.
func PositionOpened(p domain.Position) Event {
	return Event{Type: TypePositionOpened, At: time.Now(), Ticket: p.Ticket, Symbol: p.Symbol, Position: &p}
}

// PositionClosed builds a TypePositionClosed event carrying the last known profit.
func PositionClosed(ticket int64, symbol string, lastProfit float64) Event {
	return Event{Type: TypePositionClosed, At: time.Now(), Ticket: ticket, Symbol: symbol, Profit: lastProfit}
}

// PositionModified builds a TypePositionModified event.
func PositionModified(p domain.Position) Event {
	return Event{Type: TypePositionModified, At: time.Now(), Ticket: p.Ticket, Symbol: p.Symbol, Position: &p}
}

// PositionGrouped builds a TypePositionGrouped event.
func PositionGrouped(ticket int64, groupID string) Event {
	return Event{Type: TypePositionGrouped, At: time.Now(), Ticket: ticket, GroupID: groupID}
}

// TrailingUpdated builds a TypeTrailingUpdated event.
func TrailingUpdated(ticket int64, symbol string) Event {
	return Event{Type: TypeTrailingUpdated, At: time.Now(), Ticket: ticket, Symbol: symbol}
}

// ScalingTriggered builds a TypeScalingTriggered event.
func ScalingTriggered(groupID, symbol string, level, opened int) Event {
	return Event{Type: TypeScalingTriggered, At: time.Now(), GroupID: groupID, Symbol: symbol, Level: level, Opened: opened}
}

// ScalingCompleted builds a TypeScalingCompleted event.
func ScalingCompleted(groupID, symbol string, level int) Event {
	return Event{Type: TypeScalingCompleted, At: time.Now(), GroupID: groupID, Symbol: symbol, Level: level}
}

// VolatilityChanged builds a TypeVolatilityChanged event.
func VolatilityChanged(symbol, oldClass, newClass string) Event {
	return Event{Type: TypeVolatilityChanged, At: time.Now(), Symbol: symbol, OldClass: oldClass, NewClass: newClass}
}

// MarginWarning builds a TypeMarginWarning event.
func MarginWarning() Event { return Event{Type: TypeMarginWarning, At: time.Now()} }

// MarginCritical builds a TypeMarginCritical event.
func MarginCritical() Event { return Event{Type: TypeMarginCritical, At: time.Now()} }

// MarginSafe builds a TypeMarginSafe event.
func MarginSafe() Event { return Event{Type: TypeMarginSafe, At: time.Now()} }

// ProfitTargetReached builds a TypeProfitTargetReached event.
func ProfitTargetReached(totalProfit float64) Event {
	return Event{Type: TypeProfitTargetReached, At: time.Now(), Profit: totalProfit}
}

// StagnantClosed builds a TypeStagnantClosed event.
func StagnantClosed(ticket int64, symbol string) Event {
	return Event{Type: TypeStagnantClosed, At: time.Now(), Ticket: ticket, Symbol: symbol}
}

// Failure builds a TypeError event.
func Failure(source, message string, cause error) Event {
	return Event{Type: TypeError, At: time.Now(), Source: source, Message: message, Cause: cause}
}
