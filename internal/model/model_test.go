package model

import "testing"

func TestStripAnswer(t *testing.T) {
	q := LabQuestion{
		Number: 3,
		Type:   QuestionMultipleChoice,
		Prompt: map[string][]string{"en": {"pick one", "a", "b"}},
		Answer: "a",
	}

	got := StripAnswer(q)
	if got.Number != 3 || got.Type != QuestionMultipleChoice {
		t.Errorf("StripAnswer = %+v", got)
	}
	if len(got.Prompt["en"]) != 3 {
		t.Errorf("prompt not copied: %v", got.Prompt)
	}

	// The copy must not alias the authoring question.
	got.Prompt["en"][0] = "mutated"
	if q.Prompt["en"][0] != "pick one" {
		t.Error("prompt slice aliased into the source question")
	}
}

func TestNilSafeMaps(t *testing.T) {
	var u User
	u.Labs()["l1"] = LabInstance{ID: "l1"}
	if len(u.LabInstances) != 1 {
		t.Errorf("Labs() did not install the map: %+v", u)
	}

	var l LabInstance
	l.VMs()["v1"] = VmInstance{ID: "v1"}
	if len(l.VmInstances) != 1 {
		t.Errorf("VMs() did not install the map: %+v", l)
	}
}
