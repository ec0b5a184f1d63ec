package store

import "context"

// Proxy はストアへ直接アクセスできない文脈で使う実装。
// すべての操作をSubmitterへ転送し、結果を待つ。各操作はそれぞれ独立したトランザクションになる。
// BackendUnavailableErrorのリトライは呼び出し側の責務。
type Proxy struct {
	target Submitter
}

// NewProxy はProxyを生成する。
func NewProxy(target Submitter) *Proxy {
	return &Proxy{target: target}
}

func (p *Proxy) Insert(ctx context.Context, table Table, value Row) (ID, error) {
	res, err := p.target.Submit(ctx, Op{Kind: OpInsert, Table: table, Row: value.Clone()})
	if err != nil {
		return ID{}, err
	}
	return res.ID, nil
}

func (p *Proxy) Get(ctx context.Context, id ID) (Row, error) {
	res, err := p.target.Submit(ctx, Op{Kind: OpGet, Table: id.Table, ID: id})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

func (p *Proxy) Patch(ctx context.Context, id ID, partial Row) error {
	_, err := p.target.Submit(ctx, Op{Kind: OpPatch, Table: id.Table, ID: id, Row: partial.Clone()})
	return err
}

func (p *Proxy) Delete(ctx context.Context, id ID) error {
	_, err := p.target.Submit(ctx, Op{Kind: OpDelete, Table: id.Table, ID: id})
	return err
}

func (p *Proxy) FindFirstByIndex(ctx context.Context, q IndexQuery) (Row, error) {
	res, err := p.target.Submit(ctx, Op{Kind: OpFindFirst, Table: q.Table, Query: q})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

func (p *Proxy) FindAllByIndex(ctx context.Context, q IndexQuery) ([]Row, error) {
	res, err := p.target.Submit(ctx, Op{Kind: OpFindAll, Table: q.Table, Query: q})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// compile-time interface check
var _ Store = (*Proxy)(nil)
