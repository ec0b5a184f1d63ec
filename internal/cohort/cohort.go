// Package cohort はユーザーを実験グループへ割り当てる。
package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/store"
)

// DefaultGroups はグループ数の既定値。
const DefaultGroups = 2

// Bucket はユーザーIDから決定的にグループ番号 [0, groups) を求める。
func Bucket(userID string, groups int) int {
	if groups <= 1 {
		return 0
	}
	sum := sha256.Sum256([]byte(userID))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(groups))
}

// Assigner はアカウント作成時にグループを割り当てる。
type Assigner struct {
	store  store.Store
	groups int
}

// NewAssigner はAssignerを生成する。groupsが1未満の場合はDefaultGroupsを使う。
func NewAssigner(s store.Store, groups int) *Assigner {
	if groups < 1 {
		groups = DefaultGroups
	}
	return &Assigner{store: s, groups: groups}
}

// Groups はグループ数を返す。
func (a *Assigner) Groups() int {
	return a.groups
}

// Assign はユーザーのグループを返す。未割り当ての場合はBucketの値を保存してから返す。
// 一度割り当てたグループは変更しない。
func (a *Assigner) Assign(ctx context.Context, userID string) (int, error) {
	id := store.ID{Table: store.TableUsers, Key: userID}
	row, err := a.store.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to get user for cohort assignment: %w", err)
	}
	if row == nil {
		return 0, &model.InvalidUserError{UserID: userID}
	}
	if g := row.IntPtr("cohort_group"); g != nil {
		return *g, nil
	}

	group := Bucket(userID, a.groups)
	err = a.store.Patch(ctx, id, store.Row{"cohort_group": group})
	if errors.Is(err, store.ErrNotFound) {
		return 0, &model.InvalidUserError{UserID: userID}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to save cohort group: %w", err)
	}
	return group, nil
}
