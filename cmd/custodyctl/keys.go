package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"key-custody-service/internal/domain"
	"key-custody-service/internal/middleware"
	"key-custody-service/internal/usecase"
)

const generatedKeySize = 32

// keysCmd はシャード管理コマンド。
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage key shards",
	}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysRotateCmd())
	cmd.AddCommand(keysRevokeCmd())
	cmd.AddCommand(keysSummaryCmd())
	cmd.AddCommand(keysReconstructRecoveryCmd())
	return cmd
}

// keysCreateCmd は秘密鍵を分割して配布する。
func keysCreateCmd() *cobra.Command {
	var userID, privateKeyHex string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Split a private key and distribute its shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			privateKey, err := privateKeyFromFlag(privateKeyHex)
			if err != nil {
				return err
			}
			defer wipe(privateKey)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			result, err := a.distribution.CreateAndDistribute(ctx, privateKey, userID)
			if err != nil {
				middleware.WriteAuditLog(ctx, "create_shards", userID, "", "failure")
				return fmt.Errorf("creating shards: %w", err)
			}
			middleware.WriteAuditLog(ctx, "create_shards", userID, result.KeyVersion, "success")
			return printDistribution(cmd.OutOrStdout(), userID, result, usecase.PublicKeyHash(privateKey))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.Flags().StringVar(&privateKeyHex, "private-key", "", "Hex-encoded private key (random 32 bytes if omitted)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// keysRotateCmd は新しい鍵でシャードを作り直し、旧バージョンを無効化する。
func keysRotateCmd() *cobra.Command {
	var userID, oldVersion, privateKeyHex string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate shards to a new private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			privateKey, err := privateKeyFromFlag(privateKeyHex)
			if err != nil {
				return err
			}
			defer wipe(privateKey)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			result, err := a.distribution.RotateShards(ctx, privateKey, userID, oldVersion)
			if err != nil {
				middleware.WriteAuditLog(ctx, "rotate_shards", userID, oldVersion, "failure")
				return fmt.Errorf("rotating shards: %w", err)
			}
			middleware.WriteAuditLog(ctx, "rotate_shards", userID, result.KeyVersion, "success")
			return printDistribution(cmd.OutOrStdout(), userID, result, usecase.PublicKeyHash(privateKey))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.Flags().StringVar(&oldVersion, "old-version", "", "Key version to rotate out (required)")
	cmd.Flags().StringVar(&privateKeyHex, "private-key", "", "Hex-encoded new private key (random 32 bytes if omitted)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("old-version")
	return cmd
}

// keysRevokeCmd はユーザーの有効なシャードを全て失効させる。
func keysRevokeCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke all active shards of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			count, err := a.distribution.RevokeAllShards(ctx, userID)
			if err != nil {
				middleware.WriteAuditLog(ctx, "revoke_shards", userID, "", "failure")
				return fmt.Errorf("revoking shards: %w", err)
			}
			middleware.WriteAuditLog(ctx, "revoke_shards", userID, "", "success")

			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, map[string]interface{}{"user_uuid": userID, "revoked": count})
			}
			fmt.Fprintf(out, "Revoked %d shard(s) for user %q\n", count, userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// keysSummaryCmd はシャード種別ごとの保管状況を表示する。
func keysSummaryCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show which shards exist for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			summary, err := a.distribution.GetShardsSummary(ctx, userID)
			if err != nil {
				return fmt.Errorf("getting summary: %w", err)
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, map[string]interface{}{
					"device":   presenceJSON(summary.Device),
					"auth":     presenceJSON(summary.Auth),
					"recovery": presenceJSON(summary.Recovery),
				})
			}
			fmt.Fprintf(out, "%-10s %-7s %s\n", "SHARD", "EXISTS", "LAST_ACCESSED_AT")
			for _, row := range []struct {
				name     string
				presence domain.ShardPresence
			}{
				{"device", summary.Device},
				{"auth", summary.Auth},
				{"recovery", summary.Recovery},
			} {
				fmt.Fprintf(out, "%-10s %-7t %s\n", row.name, row.presence.Exists, formatTime(row.presence.LastAccessedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// keysReconstructRecoveryCmd は端末シャードとリカバリシャードで鍵を復元できるか検証する。
// 復元した鍵そのものは出力しない。
func keysReconstructRecoveryCmd() *cobra.Command {
	var userID, deviceShardHex, recoveryShardHex string
	cmd := &cobra.Command{
		Use:   "reconstruct-recovery",
		Short: "Reconstruct a key from the device and recovery shards and print its hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deviceShard, err := hex.DecodeString(deviceShardHex)
			if err != nil {
				return fmt.Errorf("--device-shard must be hex: %w", err)
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.reconstruction.EnsureCanReconstruct(ctx, userID); err != nil {
				return err
			}

			encryptedRecovery, err := a.encryptedRecoveryShard(cmd, userID, recoveryShardHex)
			if err != nil {
				return err
			}
			recoveryShard, err := a.encryption.DecryptForUser(encryptedRecovery, userID)
			if err != nil {
				return fmt.Errorf("decrypting recovery shard: %w", err)
			}
			defer wipe(recoveryShard)

			key, err := a.reconstruction.ReconstructWithRecovery(ctx, userID, deviceShard, recoveryShard)
			if err != nil {
				return err
			}
			defer key.Wipe()

			out := cmd.OutOrStdout()
			publicKeyHash := usecase.PublicKeyHash(key.PrivateKey)
			if output == "json" {
				return writeJSON(out, map[string]interface{}{
					"user_uuid":       userID,
					"public_key_hash": publicKeyHash,
					"expires_at":      key.ExpiresAt().UTC().Format(time.RFC3339),
				})
			}
			fmt.Fprintf(out, "Reconstructed key for user %q (public key hash: %s)\n", userID, publicKeyHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.Flags().StringVar(&deviceShardHex, "device-shard", "", "Hex-encoded device shard (required)")
	cmd.Flags().StringVar(&recoveryShardHex, "recovery-shard", "", "Hex-encoded encrypted recovery backup (defaults to the stored active recovery shard)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("device-shard")
	return cmd
}

// encryptedRecoveryShard はフラグ指定があればそれを、なければ保存済みの有効なRECOVERYシャードを返す。
func (a *app) encryptedRecoveryShard(cmd *cobra.Command, userID, recoveryShardHex string) ([]byte, error) {
	if recoveryShardHex != "" {
		data, err := hex.DecodeString(recoveryShardHex)
		if err != nil {
			return nil, fmt.Errorf("--recovery-shard must be hex: %w", err)
		}
		return data, nil
	}
	record, err := a.shards.FindActiveByType(cmd.Context(), userID, domain.ShardTypeRecovery)
	if err != nil {
		return nil, fmt.Errorf("finding recovery shard: %w", err)
	}
	if record == nil {
		return nil, domain.ErrShardNotFound
	}
	return record.EncryptedData, nil
}

func printDistribution(out io.Writer, userID string, result *usecase.DistributionResult, publicKeyHash string) error {
	deviceShard := hex.EncodeToString(result.DeviceShard)
	if output == "json" {
		return writeJSON(out, map[string]interface{}{
			"user_uuid":       userID,
			"key_version":     result.KeyVersion,
			"public_key_hash": publicKeyHash,
			"device_shard":    deviceShard,
			"auth_stored":     result.AuthStored,
			"recovery_stored": result.RecoveryStored,
		})
	}
	fmt.Fprintf(out, "Distributed shards for user %q (key version: %s)\n", userID, result.KeyVersion)
	fmt.Fprintf(out, "  public key hash: %s\n", publicKeyHash)
	fmt.Fprintf(out, "  auth stored:     %t\n", result.AuthStored)
	fmt.Fprintf(out, "  device shard:    %s\n", deviceShard)
	return nil
}

func privateKeyFromFlag(value string) ([]byte, error) {
	if value == "" {
		key := make([]byte, generatedKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating private key: %w", err)
		}
		return key, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return nil, fmt.Errorf("--private-key must be hex: %w", err)
	}
	return key, nil
}

func presenceJSON(p domain.ShardPresence) map[string]interface{} {
	return map[string]interface{}{
		"exists":           p.Exists,
		"last_accessed_at": p.LastAccessedAt,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
