package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Categories the analysis prompt asks the model to choose from.
var SessionCategories = []string{
	"schedule_hours", "leave_vacation", "sick_leave", "salary_compensation",
	"contract_hours", "onboarding", "offboarding", "workwear_staff_pass",
	"team_contacts", "personal_questions", "access_login", "social_questions",
	"unrecognized_other",
}

// SessionAnalysis is the expected JSON object produced for one session.
type SessionAnalysis struct {
	SessionID   string   `json:"session_id" validate:"required"`
	Language    string   `json:"language" validate:"required,len=2,lowercase,alpha"`
	Sentiment   string   `json:"sentiment" validate:"required,oneof=positive neutral negative"`
	Category    string   `json:"category" validate:"required,oneof=schedule_hours leave_vacation sick_leave salary_compensation contract_hours onboarding offboarding workwear_staff_pass team_contacts personal_questions access_login social_questions unrecognized_other"`
	Escalated   bool     `json:"escalated"`
	ForwardedHR bool     `json:"forwarded_hr"`
	Summary     string   `json:"summary" validate:"min=10,max=300"`
	Questions   []string `json:"questions" validate:"dive,required"`
}

var ErrInvalidAnalysis = errors.New("analysis does not match schema")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func analysisValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ParseSessionAnalysis decodes content and validates it against the schema.
// The session id in the payload must match expectSessionID.
func ParseSessionAnalysis(content string, expectSessionID string) (*SessionAnalysis, error) {
	var a SessionAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}
	if a.Questions == nil {
		a.Questions = []string{}
	}
	if err := analysisValidator().Struct(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}
	if expectSessionID != "" && a.SessionID != expectSessionID {
		return nil, fmt.Errorf("%w: session_id %q does not match %q", ErrInvalidAnalysis, a.SessionID, expectSessionID)
	}
	return &a, nil
}
