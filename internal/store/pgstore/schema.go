package pgstore

import "context"

// Schema creates the ledger tables when they do not exist yet.
const Schema = `
create table if not exists token_balances (
	id uuid primary key default gen_random_uuid(),
	user_id text not null unique,
	user_type text not null default '',
	user_type_id text not null default '',
	balance bigint not null default 0 constraint chk_token_balances_non_negative check (balance >= 0),
	total_purchased bigint not null default 0,
	total_consumed bigint not null default 0,
	total_granted bigint not null default 0,
	last_purchase_at timestamptz,
	created_at timestamptz not null,
	updated_at timestamptz not null
);

create table if not exists token_transactions (
	id uuid primary key default gen_random_uuid(),
	user_id text not null,
	user_type text not null default '',
	user_type_id text not null default '',
	type text not null,
	amount bigint not null,
	balance_before bigint not null,
	balance_after bigint not null,
	status text not null,
	metadata jsonb not null default '{}'::jsonb,
	ip_address text not null default '',
	user_agent text not null default '',
	created_at timestamptz not null,
	updated_at timestamptz not null,
	constraint chk_token_transactions_delta check (balance_after - balance_before = amount)
);

create index if not exists idx_token_transactions_user_created on token_transactions (user_id, created_at);
create index if not exists idx_token_transactions_type on token_transactions (type);
create index if not exists idx_token_transactions_status on token_transactions (status);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db Database) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}
