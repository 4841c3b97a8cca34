package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/smartdevs17/deal-alerts/internal/dispatcher"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/scheduler"
)

const defaultPageSize = 100

// Rule handlers

func (s *HTTPServer) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required", nil)
		return
	}
	rules, err := s.storage.ListRules(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, "Failed to list rules", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (s *HTTPServer) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.AlertRule
	if !s.decode(w, r, &rule) {
		return
	}
	rule.ID = ""
	rule.LastTriggeredAt = nil
	rule.CreatedAt = time.Time{}
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rule", err)
		return
	}
	if err := s.storage.SaveRule(r.Context(), &rule); err != nil {
		s.writeStoreError(w, "Failed to save rule", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *HTTPServer) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, err := s.storage.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, "Rule not found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	existing, err := s.storage.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, "Rule not found", err)
		return
	}

	var rule models.AlertRule
	if !s.decode(w, r, &rule) {
		return
	}
	rule.ID = existing.ID
	rule.OwnerID = existing.OwnerID
	rule.CreatedAt = existing.CreatedAt
	rule.LastTriggeredAt = existing.LastTriggeredAt
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid rule", err)
		return
	}
	if err := s.storage.SaveRule(r.Context(), &rule); err != nil {
		s.writeStoreError(w, "Failed to update rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.storage.DeleteRule(r.Context(), id); err != nil {
		s.writeStoreError(w, "Failed to delete rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Rule deleted",
		"rule_id": id,
	})
}

func (s *HTTPServer) setRuleEnabledHandler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.storage.SetRuleEnabled(r.Context(), id, enabled); err != nil {
			s.writeStoreError(w, "Failed to update rule", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"rule_id": id,
			"enabled": enabled,
		})
	}
}

// testRuleHandler previews what a stored rule would match right now.
func (s *HTTPServer) testRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, err := s.storage.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, "Rule not found", err)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	matches, err := s.dispatcher.Preview(r.Context(), rule, limit)
	if err != nil {
		s.writeStoreError(w, "Failed to evaluate rule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id": rule.ID,
		"matches": matches,
		"total":   len(matches),
	})
}

// Preference handlers

func (s *HTTPServer) getPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	prefs, err := s.storage.GetPreferences(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, "Preferences not found", err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *HTTPServer) putPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var prefs models.NotificationPreferences
	if !s.decode(w, r, &prefs) {
		return
	}
	prefs.UserID = mux.Vars(r)["id"]
	if err := prefs.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid preferences", err)
		return
	}
	if err := s.storage.SavePreferences(r.Context(), &prefs); err != nil {
		s.writeStoreError(w, "Failed to save preferences", err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *HTTPServer) listFlagsHandler(w http.ResponseWriter, r *http.Request) {
	flags, err := s.storage.ListChannelFlags(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, "Failed to list channel flags", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flags": flags,
		"total": len(flags),
	})
}

func (s *HTTPServer) clearFlagHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channel, err := models.ParseChannelKind(vars["channel"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Unknown channel", err)
		return
	}
	if err := s.storage.ClearChannelFlag(r.Context(), vars["id"], channel); err != nil {
		s.writeStoreError(w, "Failed to clear channel flag", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Price watch handlers

func (s *HTTPServer) listWatchesHandler(w http.ResponseWriter, r *http.Request) {
	watches, err := s.storage.ListUserWatches(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, "Failed to list watches", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"watches": watches,
		"total":   len(watches),
	})
}

func (s *HTTPServer) createWatchHandler(w http.ResponseWriter, r *http.Request) {
	var watch models.PriceWatch
	if !s.decode(w, r, &watch) {
		return
	}
	watch.ID = ""
	watch.LastNotifiedPrice = nil
	watch.LastCheckedAt = nil
	watch.Enabled = true
	if err := watch.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid price watch", err)
		return
	}
	if err := s.storage.SavePriceWatch(r.Context(), &watch); err != nil {
		s.writeStoreError(w, "Failed to save price watch", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, watch)
}

func (s *HTTPServer) deleteWatchHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.storage.DeletePriceWatch(r.Context(), id); err != nil {
		s.writeStoreError(w, "Failed to delete price watch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Price watch deleted",
		"watch_id": id,
	})
}

// Audit handlers

func (s *HTTPServer) listAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AttemptFilter{
		UserID: q.Get("user_id"),
		RuleID: q.Get("rule_id"),
		Status: models.AttemptStatus(q.Get("status")),
	}
	if c := q.Get("channel"); c != "" {
		channel, err := models.ParseChannelKind(c)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Unknown channel", err)
			return
		}
		filter.Channel = channel
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid since timestamp", err)
			return
		}
		filter.Since = &ts
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	attempts, err := s.storage.ListAttempts(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, "Failed to list attempts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"total":    len(attempts),
		"limit":    limit,
	})
}

// Pass handlers

func (s *HTTPServer) passStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"passes": s.scheduler.Status(),
	})
}

// runPassHandler runs a pass synchronously. The pass is detached from the
// request so a disconnecting client does not interrupt it.
func (s *HTTPServer) runPassHandler(w http.ResponseWriter, r *http.Request) {
	kind := dispatcher.PassKind(mux.Vars(r)["kind"])
	if kind != dispatcher.PassAlerts && kind != dispatcher.PassPriceDrop {
		s.writeError(w, http.StatusNotFound, "Unknown pass kind", nil)
		return
	}

	report, err := s.scheduler.RunNow(context.WithoutCancel(r.Context()), kind)
	switch {
	case errors.Is(err, scheduler.ErrPassRunning), errors.Is(err, scheduler.ErrLeaseHeld):
		s.writeError(w, http.StatusConflict, "Pass already in progress", err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "Pass failed", err)
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

// Notification handlers

func (s *HTTPServer) listChannelsHandler(w http.ResponseWriter, r *http.Request) {
	channels := s.notification.Channels()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": channels,
		"total":    len(channels),
		"stats":    s.notification.GetStats(),
	})
}

func (s *HTTPServer) testNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Channel models.ChannelKind `json:"channel" validate:"required,channel"`
		Address string             `json:"address"`
		Tokens  []string           `json:"tokens"`
	}
	if !s.decode(w, r, &request) {
		return
	}
	if err := models.ValidateStruct(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid test request", err)
		return
	}

	res, err := s.notification.SendTest(r.Context(), request.Channel, notification.Destination{
		Channel: request.Channel,
		Address: request.Address,
		Tokens:  request.Tokens,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Channel not configured", err)
		return
	}
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]interface{}{
		"channel":  request.Channel,
		"status":   res.Status,
		"reason":   res.Reason,
		"detail":   res.Detail,
		"attempts": res.Attempts,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}
