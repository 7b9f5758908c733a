package repository

import "github.com/pesio-ai/be-plt-approvals/internal/database"

// Store bundles the PostgreSQL repositories into the single value the
// services are wired with.
type Store struct {
	*TemplateRepository
	*RequestRepository
	*UserRepository
	*NotificationRepository
}

// NewStore creates every repository over db.
func NewStore(db *database.DB) *Store {
	return &Store{
		TemplateRepository:     NewTemplateRepository(db),
		RequestRepository:      NewRequestRepository(db),
		UserRepository:         NewUserRepository(db),
		NotificationRepository: NewNotificationRepository(db),
	}
}
