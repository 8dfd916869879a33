// Package survey declares the synced tables of the questionnaire domain:
// device-owned patients, survey administrations with a fixed set of numbered
// answers, and per-survey ancillary items. Every table embeds
// record.VersionMeta and flows through the generic versioning rules.
package survey

import (
	"github.com/perimetriclabs/tidemark/internal/record"
)

// AnswerCount fixes the declared width of a survey's numbered answer columns.
const AnswerCount = 30

// Patient is the device-owned demographic row other tables hang off.
type Patient struct {
	record.VersionMeta `gorm:"embedded"`

	Forename    string `gorm:"column:forename;size:190" json:"forename"`
	Surname     string `gorm:"column:surname;size:190" json:"surname"`
	DateOfBirth string `gorm:"column:dob;size:32" json:"dob"`
	Sex         string `gorm:"column:sex;size:8" json:"sex"`
	IDNumber    int64  `gorm:"column:idnum;index" json:"idnum"`
}

// TableName provides the explicit table binding for GORM.
func (Patient) TableName() string {
	return "patient"
}

// ClearContent blanks the demographic fields, keeping the lineage columns.
func (p *Patient) ClearContent() {
	p.Forename = ""
	p.Surname = ""
	p.DateOfBirth = ""
	p.Sex = ""
	p.IDNumber = 0
}

// Survey is one administration of the questionnaire. The numbered answer
// columns are declared as a fixed-width set of fields rather than generated
// dynamically; unanswered questions stay nil.
type Survey struct {
	record.VersionMeta `gorm:"embedded"`

	PatientID    int64  `gorm:"column:patient_id;index" json:"patient_id"`
	Clinician    string `gorm:"column:clinician;size:190" json:"clinician"`
	WhenCreated  string `gorm:"column:when_created;size:64" json:"when_created"`
	WhenFinished string `gorm:"column:when_finished;size:64" json:"when_finished"`
	Comments     string `gorm:"column:comments;type:text" json:"comments"`

	Q1  *int64 `gorm:"column:q1" json:"q1"`
	Q2  *int64 `gorm:"column:q2" json:"q2"`
	Q3  *int64 `gorm:"column:q3" json:"q3"`
	Q4  *int64 `gorm:"column:q4" json:"q4"`
	Q5  *int64 `gorm:"column:q5" json:"q5"`
	Q6  *int64 `gorm:"column:q6" json:"q6"`
	Q7  *int64 `gorm:"column:q7" json:"q7"`
	Q8  *int64 `gorm:"column:q8" json:"q8"`
	Q9  *int64 `gorm:"column:q9" json:"q9"`
	Q10 *int64 `gorm:"column:q10" json:"q10"`
	Q11 *int64 `gorm:"column:q11" json:"q11"`
	Q12 *int64 `gorm:"column:q12" json:"q12"`
	Q13 *int64 `gorm:"column:q13" json:"q13"`
	Q14 *int64 `gorm:"column:q14" json:"q14"`
	Q15 *int64 `gorm:"column:q15" json:"q15"`
	Q16 *int64 `gorm:"column:q16" json:"q16"`
	Q17 *int64 `gorm:"column:q17" json:"q17"`
	Q18 *int64 `gorm:"column:q18" json:"q18"`
	Q19 *int64 `gorm:"column:q19" json:"q19"`
	Q20 *int64 `gorm:"column:q20" json:"q20"`
	Q21 *int64 `gorm:"column:q21" json:"q21"`
	Q22 *int64 `gorm:"column:q22" json:"q22"`
	Q23 *int64 `gorm:"column:q23" json:"q23"`
	Q24 *int64 `gorm:"column:q24" json:"q24"`
	Q25 *int64 `gorm:"column:q25" json:"q25"`
	Q26 *int64 `gorm:"column:q26" json:"q26"`
	Q27 *int64 `gorm:"column:q27" json:"q27"`
	Q28 *int64 `gorm:"column:q28" json:"q28"`
	Q29 *int64 `gorm:"column:q29" json:"q29"`
	Q30 *int64 `gorm:"column:q30" json:"q30"`
}

// TableName provides the explicit table binding for GORM.
func (Survey) TableName() string {
	return "survey"
}

// answers returns the numbered fields in declaration order.
func (s *Survey) answers() [AnswerCount]**int64 {
	return [AnswerCount]**int64{
		&s.Q1, &s.Q2, &s.Q3, &s.Q4, &s.Q5, &s.Q6, &s.Q7, &s.Q8, &s.Q9, &s.Q10,
		&s.Q11, &s.Q12, &s.Q13, &s.Q14, &s.Q15, &s.Q16, &s.Q17, &s.Q18, &s.Q19, &s.Q20,
		&s.Q21, &s.Q22, &s.Q23, &s.Q24, &s.Q25, &s.Q26, &s.Q27, &s.Q28, &s.Q29, &s.Q30,
	}
}

// Answer returns the value of question n (1-based) and whether it was
// answered.
func (s *Survey) Answer(n int) (int64, bool) {
	if n < 1 || n > AnswerCount {
		return 0, false
	}
	ptr := *s.answers()[n-1]
	if ptr == nil {
		return 0, false
	}
	return *ptr, true
}

// SetAnswer records the value of question n (1-based). Out-of-range question
// numbers are ignored.
func (s *Survey) SetAnswer(n int, value int64) {
	if n < 1 || n > AnswerCount {
		return
	}
	v := value
	*s.answers()[n-1] = &v
}

// AnsweredCount reports how many questions carry a value.
func (s *Survey) AnsweredCount() int {
	count := 0
	for _, slot := range s.answers() {
		if *slot != nil {
			count++
		}
	}
	return count
}

// TotalScore sums the answered questions.
func (s *Survey) TotalScore() int64 {
	var total int64
	for _, slot := range s.answers() {
		if *slot != nil {
			total += **slot
		}
	}
	return total
}

// IsComplete reports whether every question was answered.
func (s *Survey) IsComplete() bool {
	return s.AnsweredCount() == AnswerCount
}

// ClearContent blanks every content field, keeping the lineage columns.
func (s *Survey) ClearContent() {
	s.PatientID = 0
	s.Clinician = ""
	s.WhenCreated = ""
	s.WhenFinished = ""
	s.Comments = ""
	for _, slot := range s.answers() {
		*slot = nil
	}
}

// SurveyItem is an ancillary child row owned by one survey administration,
// referenced by the survey's device-local id and ordered by sequence number.
type SurveyItem struct {
	record.VersionMeta `gorm:"embedded"`

	SurveyID int64  `gorm:"column:survey_id;index" json:"survey_id"`
	Seq      int64  `gorm:"column:seq" json:"seq"`
	Response string `gorm:"column:response;type:text" json:"response"`
}

// TableName provides the explicit table binding for GORM.
func (SurveyItem) TableName() string {
	return "survey_item"
}

// ClearContent blanks the item response, keeping the lineage columns and the
// parent reference.
func (i *SurveyItem) ClearContent() {
	i.Response = ""
}

// PatientBinding binds the patient table for the generic record operations.
func PatientBinding() record.TableBinding {
	return record.TableBinding{
		Name: Patient{}.TableName(),
		New:  func() record.Versioned { return &Patient{} },
	}
}

// SurveyBinding binds the survey table for the generic record operations.
func SurveyBinding() record.TableBinding {
	return record.TableBinding{
		Name: Survey{}.TableName(),
		New:  func() record.Versioned { return &Survey{} },
	}
}

// SurveyItemBinding binds the ancillary item table.
func SurveyItemBinding() record.TableBinding {
	return record.TableBinding{
		Name: SurveyItem{}.TableName(),
		New:  func() record.Versioned { return &SurveyItem{} },
	}
}

// Registry lists every synced table, parents before children, for operations
// that sweep the whole schema (forced finalization, migration).
func Registry() []record.TableBinding {
	return []record.TableBinding{
		PatientBinding(),
		SurveyBinding(),
		SurveyItemBinding(),
	}
}
