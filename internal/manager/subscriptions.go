package manager

import (
	"context"
	"slices"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// subscriptionSet keeps subscriptions in insertion order so the scan filter is deterministic.
type subscriptionSet struct {
	*orderedmap.OrderedMap[device.Subscription, struct{}]
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{orderedmap.New[device.Subscription, struct{}]()}
}

func (s *subscriptionSet) list() []device.Subscription {
	result := make([]device.Subscription, 0, s.Len())
	for pair := s.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Key)
	}
	return result
}

func normalizeSubscription(sub device.Subscription) (device.Subscription, error) {
	sub = device.NewSubscription(sub.Service, sub.Characteristic)
	if _, err := device.ValidateUUID(sub.Service); err != nil {
		return sub, device.Wrap(device.ErrInvalidRequest, err)
	}
	if !sub.IsWildcard() {
		if _, err := device.ValidateUUID(sub.Characteristic); err != nil {
			return sub, device.Wrap(device.ErrInvalidRequest, err)
		}
	}
	return sub, nil
}

// AddSubscription adds a global subscription. The scan filter is recomputed and
// an active scan restarted when it changed. Connected devices start notifying
// the newly covered characteristics.
func (m *Manager) AddSubscription(ctx context.Context, sub device.Subscription) error {
	sub, err := normalizeSubscription(sub)
	if err != nil {
		return err
	}
	return m.call(ctx, func() error {
		if _, present := m.global.Get(sub); present {
			return nil
		}
		m.global.Set(sub, struct{}{})
		m.logger.WithField("subscription", sub.String()).Info("Global subscription added")

		if m.recomputeScanFilter() {
			m.restartScan()
		}
		for _, d := range m.sortedDevices() {
			if d.state == device.Connected {
				m.applySubscription(d, sub)
			}
		}
		return nil
	})
}

// RemoveSubscription removes a global subscription. Notifications no longer
// covered by a device's effective subscriptions are disabled.
func (m *Manager) RemoveSubscription(ctx context.Context, sub device.Subscription) error {
	sub, err := normalizeSubscription(sub)
	if err != nil {
		return err
	}
	return m.call(ctx, func() error {
		if _, present := m.global.Delete(sub); !present {
			return nil
		}
		m.logger.WithField("subscription", sub.String()).Info("Global subscription removed")

		if m.recomputeScanFilter() {
			m.restartScan()
		}
		for _, d := range m.sortedDevices() {
			if d.state == device.Connected {
				m.releaseNotifications(d)
			}
		}
		return nil
	})
}

// Subscribe adds a per-device subscription. It never changes the scan filter.
func (m *Manager) Subscribe(ctx context.Context, id string, sub device.Subscription) error {
	sub, err := normalizeSubscription(sub)
	if err != nil {
		return err
	}
	return m.call(ctx, func() error {
		d := m.lookupOrCreate(id)
		if _, present := d.subscriptions.Get(sub); present {
			return nil
		}
		d.subscriptions.Set(sub, struct{}{})
		if d.state == device.Connected {
			m.applySubscription(d, sub)
		}
		return nil
	})
}

// Unsubscribe removes a per-device subscription.
func (m *Manager) Unsubscribe(ctx context.Context, id string, sub device.Subscription) error {
	sub, err := normalizeSubscription(sub)
	if err != nil {
		return err
	}
	return m.call(ctx, func() error {
		d := m.find(id)
		if d == nil {
			return unknownDevice(id)
		}
		if _, present := d.subscriptions.Delete(sub); !present {
			return nil
		}
		if d.state == device.Connected {
			m.releaseNotifications(d)
		}
		return nil
	})
}

// Subscriptions returns the global subscriptions in insertion order.
func (m *Manager) Subscriptions(ctx context.Context) ([]device.Subscription, error) {
	var result []device.Subscription
	err := m.call(ctx, func() error {
		result = m.global.list()
		return nil
	})
	return result, err
}

// ScanFilter returns the service ids the scan is filtered on.
func (m *Manager) ScanFilter(ctx context.Context) ([]string, error) {
	var result []string
	err := m.call(ctx, func() error {
		result = slices.Clone(m.scanFilter)
		return nil
	})
	return result, err
}

// recomputeScanFilter reports whether the filter changed.
func (m *Manager) recomputeScanFilter() bool {
	var filter []string
	for pair := m.global.Oldest(); pair != nil; pair = pair.Next() {
		if !slices.Contains(filter, pair.Key.Service) {
			filter = append(filter, pair.Key.Service)
		}
	}
	if slices.Equal(filter, m.scanFilter) {
		return false
	}
	m.scanFilter = filter
	return true
}

// effectiveSubscriptions returns the global subscriptions followed by the device's own.
func (m *Manager) effectiveSubscriptions(d *deviceState) []device.Subscription {
	result := m.global.list()
	for pair := d.subscriptions.Oldest(); pair != nil; pair = pair.Next() {
		if _, dup := m.global.Get(pair.Key); !dup {
			result = append(result, pair.Key)
		}
	}
	return result
}

func (m *Manager) matchSubscription(d *deviceState, ref device.CharRef) (device.Subscription, bool) {
	for _, sub := range m.effectiveSubscriptions(d) {
		if sub.Matches(ref) {
			return sub, true
		}
	}
	return device.Subscription{}, false
}

// subscribedCharacteristics returns the characteristics of service covered by
// the effective subscriptions, or all=true when a wildcard covers the service.
func (m *Manager) subscribedCharacteristics(d *deviceState, service string) (chars []string, all bool) {
	for _, sub := range m.effectiveSubscriptions(d) {
		if sub.Service != service {
			continue
		}
		if sub.IsWildcard() {
			return nil, true
		}
		if !slices.Contains(chars, sub.Characteristic) {
			chars = append(chars, sub.Characteristic)
		}
	}
	return chars, false
}

// applySubscription enables notifications for a subscription added to a connected device.
func (m *Manager) applySubscription(d *deviceState, sub device.Subscription) {
	if !d.services.Contains(sub.Service) {
		return
	}

	known := false
	for _, ref := range sortedRefs(d.chars) {
		if !sub.Matches(ref) {
			continue
		}
		known = true
		if d.chars[ref].CanNotify() {
			m.setNotify(d, ref, true)
		}
	}

	switch {
	case sub.IsWildcard():
		_ = m.discoverCharacteristics(d, sub.Service, nil)
	case !known:
		_ = m.discoverCharacteristics(d, sub.Service, []string{sub.Characteristic})
	}
}

// releaseNotifications disables notify for characteristics no longer subscribed.
func (m *Manager) releaseNotifications(d *deviceState) {
	for _, ref := range sortedRefs(d.notifying) {
		if !d.notifying[ref] {
			continue
		}
		if _, ok := m.matchSubscription(d, ref); !ok {
			m.logger.WithFields(logrus.Fields{
				"device":       d.transportID,
				"service_uuid": ref.Service,
				"char_uuid":    ref.Characteristic,
			}).Debug("Disabling notifications for unsubscribed characteristic")
			m.setNotify(d, ref, false)
		}
	}
}

func sortedRefs[V any](m map[device.CharRef]V) []device.CharRef {
	refs := make([]device.CharRef, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}
