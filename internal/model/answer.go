package model

// McqAnswer is the candidate's selection for one question.
type McqAnswer struct {
	SelectedOptions []string `json:"selected_options"`
}

// Empty reports whether nothing is selected.
func (a McqAnswer) Empty() bool {
	return len(a.SelectedOptions) == 0
}

// CodeAnswer is the candidate's current source for one challenge.
type CodeAnswer struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Empty reports whether no code has been written.
func (a CodeAnswer) Empty() bool {
	return a.Code == ""
}

// McqSubmission is one item of the MCQ batch.
type McqSubmission struct {
	QuestionID      string   `json:"question_id"`
	SelectedOptions []string `json:"selected_options"`
}

// SectionState is the serializable view of one section.
type SectionState[T any] struct {
	Order     []string     `json:"order"`
	Answers   map[string]T `json:"answers"`
	Submitted bool         `json:"submitted"`
}
