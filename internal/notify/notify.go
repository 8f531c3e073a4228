// Package notify fans alert lifecycle events out to configured channels.
// Delivery is best-effort: the alert is already committed by the time this
// package runs, and a failed delivery only produces a history row and a log
// line, never a rollback.
package notify

import (
	"context"
	"fmt"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

// Lifecycle triggers a notification rule can subscribe to. TriggerAny
// matches every trigger.
const (
	TriggerRaised   = "alert.raised"
	TriggerResolved = "alert.resolved"
	TriggerAny      = "alert"
)

// Driver delivers to one channel type.
type Driver interface {
	Type() models.ChannelType
	Send(ctx context.Context, channel models.NotificationChannel, alert *models.StoredAlert) error
}

// Dispatcher matches alerts against notification rules and hands them to the
// channel drivers.
type Dispatcher struct {
	store   *store.Store
	metrics *metrics.Metrics
	drivers map[models.ChannelType]Driver
}

// NewDispatcher creates a dispatcher with the given drivers.
func NewDispatcher(st *store.Store, drivers ...Driver) *Dispatcher {
	d := &Dispatcher{
		store:   st,
		metrics: metrics.Get(),
		drivers: make(map[models.ChannelType]Driver, len(drivers)),
	}
	for _, drv := range drivers {
		d.drivers[drv.Type()] = drv
	}
	return d
}

// HandleAlert fans one lifecycle event out to every channel selected by a
// matching rule. Channels selected by several rules are delivered to once,
// attributed to the first rule that picked them.
func (d *Dispatcher) HandleAlert(ctx context.Context, alert *models.StoredAlert, trigger string) {
	if alert == nil {
		return
	}

	rules, err := d.rulesFor(ctx, trigger)
	if err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Failed to load notification rules")
		return
	}

	channelRule := make(map[int64]int64)
	var channelOrder []int64
	for _, rule := range rules {
		if !ruleMatches(rule, alert) {
			continue
		}
		for _, chID := range rule.ChannelIDs {
			if _, seen := channelRule[chID]; !seen {
				channelRule[chID] = rule.ID
				channelOrder = append(channelOrder, chID)
			}
		}
	}
	if len(channelOrder) == 0 {
		return
	}

	channels, err := d.store.GetChannels(ctx, channelOrder)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load notification channels")
		return
	}

	for _, channel := range channels {
		d.deliver(ctx, channel, channelRule[channel.ID], alert, trigger)
	}
}

// rulesFor returns the enabled rules for a trigger plus the catch-all rules.
func (d *Dispatcher) rulesFor(ctx context.Context, trigger string) ([]models.NotificationRule, error) {
	rules, err := d.store.ListEnabledNotificationRules(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if trigger != TriggerAny {
		catchAll, err := d.store.ListEnabledNotificationRules(ctx, TriggerAny)
		if err != nil {
			return nil, err
		}
		rules = append(rules, catchAll...)
	}
	return rules, nil
}

func (d *Dispatcher) deliver(ctx context.Context, channel models.NotificationChannel, ruleID int64, alert *models.StoredAlert, trigger string) {
	driver, ok := d.drivers[channel.Type]
	if !ok {
		log.Warn().
			Str("channel", channel.Name).
			Str("type", string(channel.Type)).
			Msg("No driver for channel type")
		d.record(ctx, alert.ID, channel.ID, ruleID, models.DeliveryFailed,
			fmt.Sprintf("no driver for channel type %q", channel.Type))
		return
	}

	err := driver.Send(ctx, channel, alert)
	if err != nil {
		d.metrics.RecordDelivery(string(channel.Type), "failed")
		log.Error().
			Err(err).
			Str("channel", channel.Name).
			Int64("alertId", alert.ID).
			Str("trigger", trigger).
			Msg("Notification delivery failed")
		d.record(ctx, alert.ID, channel.ID, ruleID, models.DeliveryFailed, err.Error())
		return
	}

	d.metrics.RecordDelivery(string(channel.Type), "sent")
	log.Info().
		Str("channel", channel.Name).
		Int64("alertId", alert.ID).
		Str("trigger", trigger).
		Msg("Notification delivered")
	d.record(ctx, alert.ID, channel.ID, ruleID, models.DeliverySent, trigger)
}

func (d *Dispatcher) record(ctx context.Context, alertID, channelID, ruleID int64, status models.DeliveryStatus, detail string) {
	rec := models.NotificationRecord{
		AlertID:   alertID,
		ChannelID: channelID,
		RuleID:    ruleID,
		Status:    status,
		Detail:    detail,
		SentAt:    time.Now(),
	}
	if err := d.store.RecordNotification(ctx, rec); err != nil {
		log.Error().Err(err).Int64("alertId", alertID).Msg("Failed to record notification")
	}
}

// ruleMatches applies the rule's severity and category filters. Empty filters
// match everything; entries may use * wildcards.
func ruleMatches(rule models.NotificationRule, alert *models.StoredAlert) bool {
	if !matchAny(rule.SeverityFilter, string(alert.Severity)) {
		return false
	}
	return matchAny(rule.CategoryFilter, string(alert.Category))
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if wildcard.Match(p, value) {
			return true
		}
	}
	return false
}
