package fees

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type StudentService struct {
	store  StudentStore
	logger *slog.Logger
}

func NewStudentService(store StudentStore, logger *slog.Logger) *StudentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StudentService{store: store, logger: logger}
}

type CreateStudentInput struct {
	AdmissionNumber string
	FullName        string
	ClassName       string
}

func (s *StudentService) Create(ctx context.Context, in CreateStudentInput, createdBy UserID) (*Student, error) {
	if err := requireActor("created_by", createdBy); err != nil {
		return nil, err
	}

	st := Student{
		ID:              StudentID(uuid.NewString()),
		AdmissionNumber: strings.TrimSpace(in.AdmissionNumber),
		FullName:        strings.TrimSpace(in.FullName),
		ClassName:       strings.TrimSpace(in.ClassName),
		CreatedAt:       time.Now().UTC(),
	}
	if st.AdmissionNumber == "" {
		return nil, newValidationError("admission_number", "admission number is required")
	}
	if st.FullName == "" {
		return nil, newValidationError("full_name", "full name is required")
	}

	if err := s.store.CreateStudent(ctx, st); err != nil {
		return nil, wrapStoreErr("create student", err)
	}
	s.logger.Info("student created", "student_id", st.ID, "admission_number", st.AdmissionNumber, "actor", createdBy)
	return &st, nil
}

func (s *StudentService) Get(ctx context.Context, id StudentID) (*Student, error) {
	st, err := s.store.GetStudent(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("load student", err)
	}
	if st == nil {
		return nil, fmt.Errorf("student %s: %w", id, ErrStudentNotFound)
	}
	return st, nil
}

func (s *StudentService) List(ctx context.Context) ([]Student, error) {
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return nil, wrapStoreErr("list students", err)
	}
	return students, nil
}
