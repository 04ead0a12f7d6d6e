package core

// Protocol-level constants.
const (
	CountWitnesses         = 12
	MaxWitnessMutations    = 1
	MinSharedWitnesses     = CountWitnesses - MaxWitnessMutations // 11 is the floor accepted, 10 is rejected
	MajorityOfWitnesses    = 7
	MaxAAFormulaDepth      = 100
	MaxAALogArgs           = 100
	MaxAALogBytes          = 100 * 1024
	StalledTimeoutSeconds  = 5
	MaxRerouteCount        = 20
	MaxRequestTimeoutMins  = 10
	MaxDeterminedIncluded  = 100000
	PurgeMaxIterations     = 100
	PurgeMaxElapsedSeconds = 30
	PurgeBatchLimit        = 50
	MaxLinkProofUnits      = 100
)

// Sequence is the per-unit validity state.
type Sequence string

const (
	SeqGood     Sequence = "good"
	SeqFinalBad Sequence = "final-bad"
	SeqTempBad  Sequence = "temp-bad"
)

// PayloadLocation classifies where a message's payload actually lives.
type PayloadLocation string

const (
	PayloadInline PayloadLocation = "inline"
	PayloadURI    PayloadLocation = "uri"
	PayloadNone   PayloadLocation = "none"
)

// MessageApp enumerates the message kinds a unit can carry.
type MessageApp string

const (
	AppPayment                 MessageApp = "payment"
	AppData                    MessageApp = "data"
	AppDataFeed                MessageApp = "data_feed"
	AppDefinition              MessageApp = "definition"
	AppAddressDefinitionChange MessageApp = "address_definition_change"
	AppAsset                   MessageApp = "asset"
	AppAssetAttestors          MessageApp = "asset_attestors"
	AppAttestation             MessageApp = "attestation"
	AppPoll                    MessageApp = "poll"
	AppVote                    MessageApp = "vote"
	AppProfile                 MessageApp = "profile"
	AppText                    MessageApp = "text"
	AppTemporaryData           MessageApp = "temporary_data"
	AppDefinitionTemplate      MessageApp = "definition_template"
	AppSystemVote              MessageApp = "system_vote"
	AppSystemVoteCount         MessageApp = "system_vote_count"
)

// InputType distinguishes ordinary transfer inputs from synthetic ones.
type InputType string

const (
	InputTransfer          InputType = ""
	InputHeadersCommission InputType = "headers_commission"
	InputWitnessing        InputType = "witnessing"
	InputIssue             InputType = "issue"
)

// Input is a payment message input.
type Input struct {
	Type          InputType `json:"type,omitempty"`
	SrcUnit       string    `json:"src_unit,omitempty"`
	SrcMessageIdx int       `json:"src_message_index,omitempty"`
	SrcOutputIdx  int       `json:"src_output_index,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
}

// Output is a payment message output. Address/Blinding are populated only
// once revealed to a recipient; IsSpent is storage-side bookkeeping, not
// part of the unit's canonical hashed form.
type Output struct {
	Address  string `json:"address,omitempty"`
	Amount   int64  `json:"amount"`
	Blinding string `json:"blinding,omitempty"`
	IsSpent  bool   `json:"-"`
}

// Message is a single tagged payload carried by a unit.
type Message struct {
	App            MessageApp      `json:"app"`
	PayloadLoc     PayloadLocation `json:"payload_location"`
	PayloadHash    string          `json:"payload_hash,omitempty"`
	Payload        interface{}     `json:"payload,omitempty"`
	Inputs         []Input         `json:"inputs,omitempty"`
	Outputs        []Output        `json:"outputs,omitempty"`
	TempDataLength int64           `json:"temp_data_length,omitempty"`
}

// Authentifier maps an author's signature path ("r" for a plain single-sig
// definition, dotted paths for nested predicates) to its signature value.
type Authentifier map[string]string

// Author is one signer of a unit.
type Author struct {
	Address       string       `json:"address"`
	Definition    interface{}  `json:"definition,omitempty"`
	Authentifiers Authentifier `json:"authentifiers"`
}

// Unit is the atomic DAG node.
type Unit struct {
	UnitID            string    `json:"unit"`
	Version           string    `json:"version"`
	Alt               string    `json:"alt"`
	ParentUnits       []string  `json:"parent_units"`
	LastBallUnit      string    `json:"last_ball_unit,omitempty"`
	LastBall          string    `json:"last_ball,omitempty"`
	WitnessListUnit   string    `json:"witness_list_unit,omitempty"`
	Witnesses         []string  `json:"witnesses,omitempty"`
	Timestamp         int64     `json:"timestamp"`
	Authors           []Author  `json:"authors"`
	Messages          []Message `json:"messages"`
	HeadersCommission int64     `json:"headers_commission"`
	PayloadCommission int64     `json:"payload_commission"`
	OversizeFee       int64     `json:"oversize_fee,omitempty"`
	TPSFee            int64     `json:"tps_fee,omitempty"`
	BurnFee           int64     `json:"burn_fee,omitempty"`
	IsAAResponse      bool      `json:"-"`
}

// Joint is a unit plus its optional stabilization evidence.
type Joint struct {
	Unit          Unit     `json:"unit"`
	Ball          string   `json:"ball,omitempty"`
	SkiplistBalls []string `json:"skiplist_balls,omitempty"`
}

// UnitProps is the stable metadata tracked per unit for graph/MC math.
type UnitProps struct {
	UnitID                string
	Level                 int64
	WitnessedLevel        int64
	BestParentUnit        string
	MainChainIndex        int64 // -1 if not yet assigned
	LatestIncludedMCIndex int64
	IsOnMainChain         bool
	IsStable              bool
	IsFree                bool
	Sequence              Sequence
	Witnesses             []string
}

// Asset is a definer-declared token.
type Asset struct {
	Definer            string `json:"definer"`
	Cap                int64  `json:"cap,omitempty"`
	IsPrivate          bool   `json:"is_private"`
	IsTransferrable    bool   `json:"is_transferrable"`
	AutoDestroy        bool   `json:"auto_destroy"`
	FixedDenominations bool   `json:"fixed_denominations"`
	CosignedByDefiner  bool   `json:"cosigned_by_definer"`
	SpenderAttested    bool     `json:"spender_attested"`
	Attestors          []string `json:"attestors,omitempty"`
}

// AATrigger is a scheduled autonomous-agent invocation.
type AATrigger struct {
	MCI         int64
	Level       int64
	UnitID      string
	AAAddress   string
	TriggerUnit string
	Amount      int64
	Asset       string
	SenderAddr  string
	Data        map[string]interface{}
}

// Less orders triggers by (mci, level, unit_id, aa_address), the fixed
// dispatch order for autonomous-agent execution within a stabilization
// batch.
func (t AATrigger) Less(o AATrigger) bool {
	if t.MCI != o.MCI {
		return t.MCI < o.MCI
	}
	if t.Level != o.Level {
		return t.Level < o.Level
	}
	if t.UnitID != o.UnitID {
		return t.UnitID < o.UnitID
	}
	return t.AAAddress < o.AAAddress
}
