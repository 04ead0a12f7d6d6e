package core

import (
	"github.com/sirupsen/logrus"
)

// BounceFee is deducted from a trigger's funds when the AA body fails and
// a bounce response is issued instead.
const BounceFee = 10000

// Stabilizer runs at the tail of Writer whenever new units become stable:
// it distributes headers/payload commissions to the witnesses and
// dispatches AA triggers in their mandated order.
type Stabilizer struct {
	log    *logrus.Logger
	store  *Storage
	writer *Writer
	aa     *AAEngine
}

// NewStabilizer binds a Stabilizer to the shared Writer/Storage/AAEngine.
func NewStabilizer(store *Storage, writer *Writer, aa *AAEngine) *Stabilizer {
	return &Stabilizer{log: logrus.StandardLogger(), store: store, writer: writer, aa: aa}
}

// ProcessNewlyStable runs commission distribution and AA triggers for a
// batch of units that just crossed the stabilization frontier. Execution
// failures never abort the triggering unit: a failing AA body produces a
// bounce response instead.
func (s *Stabilizer) ProcessNewlyStable(stabilized []*UnitProps, triggers []AATrigger) ([]Unit, error) {
	for _, p := range stabilized {
		if err := s.distributeCommissions(p); err != nil {
			return nil, err
		}
	}

	var responses []Unit
	for _, t := range triggers {
		resp, err := s.aa.Execute(t)
		if err != nil {
			s.log.WithFields(logrus.Fields{"aa": t.AAAddress, "trigger": t.TriggerUnit, "err": err}).
				Warn("aa execution failed, bouncing")
			resp = s.bounce(t, err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// distributeCommissions credits 30% of a stabilized unit's
// headers_commission plus payload_commission to its witnesses, split evenly
// by integer division, as one "balances" row per witness. The other 70%,
// and any remainder of the division, is not credited to anyone.
func (s *Stabilizer) distributeCommissions(p *UnitProps) error {
	joint, found, err := s.store.ReadJoint(p.UnitID)
	if err != nil {
		return storageErr("stabilizer.distributeCommissions", "read joint", err)
	}
	if !found {
		return nil
	}
	total := joint.Unit.HeadersCommission + joint.Unit.PayloadCommission
	if total == 0 || len(p.Witnesses) == 0 {
		return nil
	}
	witnessShare := (total * 30) / 100
	per := witnessShare / int64(len(p.Witnesses))
	tx := s.store.Begin()
	for _, w := range p.Witnesses {
		if err := tx.AddQuery("balances", p.UnitID+"#"+w, map[string]int64{"amount": per}); err != nil {
			tx.Rollback()
			return storageErr("stabilizer.distributeCommissions", "stage witness commission row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// bounce builds the fatal-error response unit: funds minus BounceFee
// return to the trigger's author; AA state remains unchanged (the AA
// engine never applied mutations for a bounced trigger).
func (s *Stabilizer) bounce(t AATrigger, cause error) Unit {
	refund := t.Amount - BounceFee
	if refund < 0 {
		refund = 0
	}
	return Unit{
		Authors: []Author{{Address: t.AAAddress}},
		Messages: []Message{{
			App:        AppPayment,
			PayloadLoc: PayloadInline,
			Outputs:    []Output{{Address: t.SenderAddr, Amount: refund}},
		}},
		IsAAResponse: true,
	}
}
