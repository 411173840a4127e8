package rt

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is the postgres DDL for the realtime model. Statements are
// idempotent so startup can always apply them.
const schema = `
create table if not exists contributor (
    contributor_id             text primary key,
    navitia_coverage           text not null,
    navitia_token              text not null default '',
    connector_type             text not null check (connector_type in ('gtfs-rt', 'cots')),
    feed_url                   text not null default '',
    retrieval_interval_seconds int not null default 10,
    stop_code_key              text not null default 'source',
    is_active                  boolean not null default true
);

create table if not exists vehicle_journey (
    vehicle_journey_id uuid primary key,
    navitia_trip_id    text not null,
    start_timestamp    timestamp not null,
    created_at         timestamp not null default (now() at time zone 'utc')
);

create unique index if not exists idx_vehicle_journey_dated
    on vehicle_journey (navitia_trip_id, start_timestamp);

create table if not exists trip_update (
    trip_update_id     uuid primary key,
    vehicle_journey_id uuid not null references vehicle_journey on delete cascade,
    status             text not null,
    effect             text not null,
    message            text not null default '',
    contributor_id     text not null,
    company_id         text,
    physical_mode_id   text,
    headsign           text,
    created_at         timestamp not null,
    updated_at         timestamp not null
);

create index if not exists idx_trip_update_vehicle_journey
    on trip_update (vehicle_journey_id);
create index if not exists idx_trip_update_contributor
    on trip_update (contributor_id);

create table if not exists stop_time_update (
    stop_time_update_id     uuid primary key,
    trip_update_id          uuid not null references trip_update on delete cascade,
    stop_order              int not null,
    stop_id                 text not null,
    stop_code               text not null default '',
    message                 text not null default '',
    arrival                 timestamp,
    arrival_delay_seconds   bigint,
    arrival_status          text not null default 'none',
    departure               timestamp,
    departure_delay_seconds bigint,
    departure_status        text not null default 'none'
);

create index if not exists idx_stop_time_update_trip_update
    on stop_time_update (trip_update_id, stop_order);

create table if not exists real_time_update (
    real_time_update_id uuid primary key,
    received_at         timestamp not null,
    contributor_id      text not null,
    connector_type      text not null,
    status              text not null check (status in ('OK', 'KO', 'pending')),
    error               text,
    raw_data            bytea,
    updated_at          timestamp not null
);

create index if not exists idx_real_time_update_contributor_received
    on real_time_update (contributor_id, received_at desc);
create index if not exists idx_real_time_update_connector_received
    on real_time_update (connector_type, received_at);

create table if not exists associate_realtimeupdate_tripupdate (
    real_time_update_id uuid not null references real_time_update on delete cascade,
    trip_update_id      uuid not null references trip_update on delete cascade,
    primary key (real_time_update_id, trip_update_id)
);
`

// EnsureSchema applies the realtime DDL.
func EnsureSchema(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("applying realtime schema: %w", err)
	}
	return nil
}
