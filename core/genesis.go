package core

// GenesisUnitID is a fixed placeholder unit_id that callers may pass to
// GenesisProps. It is not the id BuildGenesisJoint produces (that is the
// unit hash), and neither Graph.BestParent nor MC selection treats it
// specially.
const GenesisUnitID = "GENESIS"

// BuildGenesisJoint constructs the fixed genesis unit: no parents, no
// last_ball, authored by initialIssueAddress (the initial issue happens via
// a payment message whose input type is "issue"), carrying the initial
// witness list inline. Its unit_id is the unit hash.
func BuildGenesisJoint(witnesses []string, timestamp int64, initialIssueAddress string, initialSupply int64) (Joint, error) {
	if len(witnesses) != CountWitnesses {
		return Joint{}, unitErr("genesis.BuildGenesisJoint", "genesis witness list must have exactly 12 addresses", nil)
	}
	u := Unit{
		Version:   "4.0",
		Alt:       "1",
		Timestamp: timestamp,
		Witnesses: witnesses,
		Authors:   []Author{{Address: initialIssueAddress, Authentifiers: Authentifier{}}},
		Messages: []Message{{
			App:        AppPayment,
			PayloadLoc: PayloadInline,
			Inputs:     []Input{{Type: InputIssue, Amount: initialSupply}},
			Outputs:    []Output{{Address: initialIssueAddress, Amount: initialSupply}},
		}},
	}
	hash, err := UnitHash(u)
	if err != nil {
		return Joint{}, err
	}
	u.UnitID = hash.String()
	return Joint{Unit: u}, nil
}

// GenesisProps returns the stable-from-birth UnitProps of the genesis
// unit, used to seed Storage before any joint is processed.
func GenesisProps(unitID string, witnesses []string) *UnitProps {
	return &UnitProps{
		UnitID:                unitID,
		Level:                 0,
		WitnessedLevel:        0,
		MainChainIndex:        0,
		LatestIncludedMCIndex: -1,
		IsOnMainChain:         true,
		IsStable:              true,
		Sequence:              SeqGood,
		Witnesses:             witnesses,
	}
}
