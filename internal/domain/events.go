package domain

// Event はシャードのライフサイクルイベント。
type Event interface {
	EventName() string
}

// KeyShardsCreated はシャード一式の作成イベント。
type KeyShardsCreated struct {
	UserUUID   string `json:"user_uuid"`
	KeyVersion string `json:"key_version"`
}

// EventName はイベント名を返す。
func (KeyShardsCreated) EventName() string { return "key_shards.created" }

// KeyShardsRotated はシャードのローテーションイベント。
type KeyShardsRotated struct {
	UserUUID      string `json:"user_uuid"`
	OldKeyVersion string `json:"old_key_version"`
	NewKeyVersion string `json:"new_key_version"`
}

// EventName はイベント名を返す。
func (KeyShardsRotated) EventName() string { return "key_shards.rotated" }

// KeyShardsRevoked はシャードの一括失効イベント。
type KeyShardsRevoked struct {
	UserUUID string `json:"user_uuid"`
	Count    int    `json:"count"`
}

// EventName はイベント名を返す。
func (KeyShardsRevoked) EventName() string { return "key_shards.revoked" }

// KeyReconstructed は鍵再構築の成功イベント。
type KeyReconstructed struct {
	UserUUID   string   `json:"user_uuid"`
	Purpose    string   `json:"purpose"`
	ShardsUsed []string `json:"shards_used"`
}

// EventName はイベント名を返す。
func (KeyReconstructed) EventName() string { return "key.reconstructed" }

// KeyReconstructionFailed は鍵再構築の失敗イベント。
type KeyReconstructionFailed struct {
	UserUUID string `json:"user_uuid"`
	Reason   string `json:"reason"`
}

// EventName はイベント名を返す。
func (KeyReconstructionFailed) EventName() string { return "key.reconstruction_failed" }
