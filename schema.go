package jobflow

import (
	"context"

	"github.com/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS async_job (
		id                BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		account_id        BIGINT UNSIGNED NOT NULL DEFAULT 0,
		user_id           BIGINT UNSIGNED NOT NULL DEFAULT 0,
		dispatcher        VARCHAR(255) NOT NULL DEFAULT '',
		cmd               VARCHAR(255) NOT NULL DEFAULT '',
		cmd_info          MEDIUMTEXT NULL,
		status            VARCHAR(16) NOT NULL,
		process_status    INT NOT NULL DEFAULT 0,
		result_code       INT NOT NULL DEFAULT 0,
		result            MEDIUMTEXT NULL,
		instance_type     VARCHAR(64) NOT NULL DEFAULT '',
		instance_id       BIGINT UNSIGNED NULL,
		init_node_id      VARCHAR(64) NOT NULL DEFAULT '',
		complete_node_id  VARCHAR(64) NOT NULL DEFAULT '',
		executing_node_id VARCHAR(64) NOT NULL DEFAULT '',
		pending_signals   INT NOT NULL DEFAULT 0,
		wakeup_dispatcher VARCHAR(255) NOT NULL DEFAULT '',
		sync_source_id    BIGINT UNSIGNED NULL,
		created_at        DATETIME(6) NOT NULL,
		last_updated      DATETIME(6) NOT NULL,
		last_polled       DATETIME(6) NULL,
		PRIMARY KEY (id),
		KEY idx_async_job_status (status, last_updated),
		KEY idx_async_job_instance (instance_type, instance_id),
		KEY idx_async_job_executing (executing_node_id),
		KEY idx_async_job_init (init_node_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS async_job_journal (
		id           BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		job_id       BIGINT UNSIGNED NOT NULL,
		journal_type VARCHAR(32) NOT NULL,
		journal_text VARCHAR(1024) NOT NULL DEFAULT '',
		journal_obj  MEDIUMTEXT NULL,
		created_at   DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_async_job_journal_job (job_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS async_job_join_map (
		job_id               BIGINT UNSIGNED NOT NULL,
		join_job_id          BIGINT UNSIGNED NOT NULL,
		node_id              VARCHAR(64) NOT NULL DEFAULT '',
		join_status          VARCHAR(16) NULL,
		join_result          MEDIUMTEXT NULL,
		complete_node_id     VARCHAR(64) NOT NULL DEFAULT '',
		wakeup_handler       VARCHAR(255) NOT NULL DEFAULT '',
		wakeup_dispatcher    VARCHAR(255) NOT NULL DEFAULT '',
		wakeup_topics        VARCHAR(1024) NOT NULL DEFAULT '',
		wakeup_interval      BIGINT NOT NULL DEFAULT 0,
		next_wakeup          DATETIME(6) NULL,
		expiration           DATETIME(6) NULL,
		sync_source_queue_id BIGINT UNSIGNED NULL,
		created_at           DATETIME(6) NOT NULL,
		PRIMARY KEY (job_id, join_job_id),
		KEY idx_async_job_join_map_joined (join_job_id),
		KEY idx_async_job_join_map_wakeup (next_wakeup),
		KEY idx_async_job_join_map_expiration (expiration)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS sync_queue (
		id                BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		sync_key          VARCHAR(64) NOT NULL,
		sync_obj_id       BIGINT UNSIGNED NOT NULL,
		last_processed_at DATETIME(6) NULL,
		created_at        DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY idx_sync_queue_key (sync_key, sync_obj_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS sync_queue_item (
		id           BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		queue_id     BIGINT UNSIGNED NOT NULL,
		content_type VARCHAR(64) NOT NULL,
		content_id   BIGINT UNSIGNED NOT NULL,
		node_id      VARCHAR(64) NOT NULL DEFAULT '',
		claimed_at   DATETIME(6) NULL,
		created_at   DATETIME(6) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_sync_queue_item_queue (queue_id, id),
		KEY idx_sync_queue_item_content (content_type, content_id),
		KEY idx_sync_queue_item_node (node_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS jobflow_locks (
		name       VARCHAR(255) NOT NULL,
		owner      VARCHAR(255) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		PRIMARY KEY (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS jobflow_nodes (
		id         VARCHAR(64) NOT NULL,
		started_at DATETIME(6) NOT NULL,
		last_seen  DATETIME(6) NOT NULL,
		PRIMARY KEY (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables used by the store if they do not exist.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}
