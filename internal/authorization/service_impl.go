package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectUsage      = "usage"
	ObjectBilling    = "billing"
	ObjectSettlement = "settlement"
	ObjectLedger     = "ledger"
	ObjectPayment    = "payment"
	ObjectQueue      = "queue"
)

const (
	ActionUsageRecord = "usage.record"

	ActionBillingTrigger = "billing.trigger"

	ActionSettlementSettle = "settlement.settle"
	ActionSettlementView   = "settlement.view"

	ActionLedgerView = "ledger.view"

	ActionPaymentTopup  = "payment.topup"
	ActionPaymentPayout = "payment.payout"

	ActionQueueView = "queue.view"
)

const (
	RoleSystem = "role:system"
	RoleAdmin  = "role:admin"
	RoleUser   = "role:user"

	scopeAny  = "any"
	scopeSelf = "self"
)

// Actor forms accepted by Authorize.
const (
	ActorSystem      = "system"
	actorAdminPrefix = "admin:"
	actorUserPrefix  = "user:"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor, owner, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		s.logDenied(actor, owner, object, action, "invalid_actor")
		return err
	}
	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	ownerSubject := ""
	if owner = strings.TrimSpace(owner); owner != "" {
		ownerSubject = actorUserPrefix + owner
	}
	allowed, err := s.enforcer.Enforce(subject, ownerSubject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, owner, object, action, "policy")
		return ErrForbidden.WithMessage("%s may not %s", actor, action)
	}
	return nil
}

func resolveActor(actor string) (string, string, error) {
	switch {
	case actor == ActorSystem:
		return actor, RoleSystem, nil
	case strings.HasPrefix(actor, actorAdminPrefix):
		if strings.TrimSpace(strings.TrimPrefix(actor, actorAdminPrefix)) == "" {
			return "", "", ErrInvalidActor
		}
		return actor, RoleAdmin, nil
	case strings.HasPrefix(actor, actorUserPrefix):
		if strings.TrimSpace(strings.TrimPrefix(actor, actorUserPrefix)) == "" {
			return "", "", ErrInvalidActor
		}
		return actor, RoleUser, nil
	}
	return "", "", ErrInvalidActor
}

// ensureGrouping binds subject to exactly one role.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) logDenied(actor, owner, object, action, cause string) {
	s.log.Info("authorization denied",
		zap.String("actor", actor),
		zap.String("owner", owner),
		zap.String("object", object),
		zap.String("action", action),
		zap.String("cause", cause),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Workers, the scheduler and the gateway.
		{RoleSystem, ObjectUsage, ActionUsageRecord, scopeAny},
		{RoleSystem, ObjectBilling, ActionBillingTrigger, scopeAny},
		{RoleSystem, ObjectSettlement, ActionSettlementSettle, scopeAny},
		{RoleSystem, ObjectSettlement, ActionSettlementView, scopeAny},
		{RoleSystem, ObjectLedger, ActionLedgerView, scopeAny},
		{RoleSystem, ObjectPayment, ActionPaymentTopup, scopeAny},
		{RoleSystem, ObjectPayment, ActionPaymentPayout, scopeAny},

		// Operators
		{RoleAdmin, ObjectBilling, ActionBillingTrigger, scopeAny},
		{RoleAdmin, ObjectSettlement, ActionSettlementSettle, scopeAny},
		{RoleAdmin, ObjectSettlement, ActionSettlementView, scopeAny},
		{RoleAdmin, ObjectLedger, ActionLedgerView, scopeAny},
		{RoleAdmin, ObjectPayment, ActionPaymentTopup, scopeAny},
		{RoleAdmin, ObjectQueue, ActionQueueView, scopeAny},

		// Account holders only see and move their own money.
		{RoleUser, ObjectSettlement, ActionSettlementSettle, scopeSelf},
		{RoleUser, ObjectSettlement, ActionSettlementView, scopeSelf},
		{RoleUser, ObjectLedger, ActionLedgerView, scopeSelf},
		{RoleUser, ObjectPayment, ActionPaymentPayout, scopeSelf},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
