package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"speech-coach/server/internal/model"
)

var ErrCardNotFound = errors.New("card not found")

// LoadCards 从指定路径加载题卡数据。
func LoadCards(path string) ([]model.CardContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cards: %w", err)
	}

	var cards []model.CardContext
	if err := json.Unmarshal(data, &cards); err != nil {
		return nil, fmt.Errorf("parse cards: %w", err)
	}
	return cards, nil
}

// Deck 只读题库，按 card_id 查找。
type Deck struct {
	order []string
	byID  map[string]model.CardContext
}

// NewDeck 校验并建立索引：card_id 非空且唯一，prompt 非空。
func NewDeck(cards []model.CardContext) (*Deck, error) {
	d := &Deck{byID: make(map[string]model.CardContext, len(cards))}
	var errs []error
	for i, c := range cards {
		switch {
		case c.CardID == "":
			errs = append(errs, fmt.Errorf("card #%d: card_id is required", i))
			continue
		case c.Prompt == "":
			errs = append(errs, fmt.Errorf("card %s: prompt is required", c.CardID))
			continue
		}
		if _, dup := d.byID[c.CardID]; dup {
			errs = append(errs, fmt.Errorf("card %s: duplicate card_id", c.CardID))
			continue
		}
		d.byID[c.CardID] = c
		d.order = append(d.order, c.CardID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadDeck 加载并建立题库；path 为空时返回空题库。
func LoadDeck(path string) (*Deck, error) {
	if path == "" {
		return NewDeck(nil)
	}
	cards, err := LoadCards(path)
	if err != nil {
		return nil, err
	}
	return NewDeck(cards)
}

// Get 按 card_id 查找题卡，返回副本。
func (d *Deck) Get(id string) (*model.CardContext, error) {
	c, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	c.ExpectedAnswers = append([]string(nil), c.ExpectedAnswers...)
	c.VisualAids = append([]string(nil), c.VisualAids...)
	return &c, nil
}

// All 按文件顺序返回全部题卡。
func (d *Deck) All() []model.CardContext {
	out := make([]model.CardContext, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out
}

// Len 题卡数量
func (d *Deck) Len() int {
	return len(d.order)
}
