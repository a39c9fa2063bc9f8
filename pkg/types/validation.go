package types

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return IsValidUserID(fl.Field().String())
	})
	return v
}

// Validate checks the struct tags of an inbound payload or request body.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Tag: verrs[0].Tag()}
		}
		return err
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements: 1-64
// characters, alphanumeric plus underscore and hyphen.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole reports whether role is one of the known participant roles.
func IsValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsValid reports whether t is a known notification type.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationNewCourse,
		NotificationAssignmentCompleted,
		NotificationNewEnrollment,
		NotificationEnrollmentApproved,
		NotificationCourseUpdate,
		NotificationNewMessage,
		NotificationPaymentSuccess,
		NotificationPaymentFailure,
		NotificationSystem,
		NotificationTeacherAdded:
		return true
	default:
		return false
	}
}
