package board

// Field names one independently mutable property of an Object.
type Field string

const (
	FieldType   Field = "type"
	FieldX      Field = "x"
	FieldY      Field = "y"
	FieldWidth  Field = "width"
	FieldHeight Field = "height"
	FieldText   Field = "text"
	FieldColor  Field = "color"
)

// Fields lists every mutable field in a fixed order.
var Fields = []Field{FieldType, FieldX, FieldY, FieldWidth, FieldHeight, FieldText, FieldColor}

func (f Field) Valid() bool {
	switch f {
	case FieldType, FieldX, FieldY, FieldWidth, FieldHeight, FieldText, FieldColor:
		return true
	}
	return false
}

func (f Field) numeric() bool {
	switch f {
	case FieldX, FieldY, FieldWidth, FieldHeight:
		return true
	}
	return false
}

// Object types drawn by the client. The document does not restrict Type to these.
const (
	TypeSticky    = "sticky"
	TypeRectangle = "rect"
	TypeEllipse   = "ellipse"
	TypeText      = "text"
)

// Object is one shape on the board.
type Object struct {
	ID     string  `json:"id"`
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Text   string  `json:"text"`
	Color  string  `json:"color"`
}

// NewObject fills in the default colour for each type.
func NewObject(id, typ string, x, y, width, height float64) Object {
	color := "#4361ee"
	if typ == TypeSticky {
		color = "yellow"
	}
	return Object{ID: id, Type: typ, X: x, Y: y, Width: width, Height: height, Color: color}
}

// Write is a single field assignment inside a set operation. Number carries numeric fields, String the
// others.
type Write struct {
	Field  Field   `json:"f"`
	Number float64 `json:"n,omitempty"`
	String string  `json:"v,omitempty"`
}

func Num(f Field, v float64) Write {
	return Write{Field: f, Number: v}
}

func Str(f Field, v string) Write {
	return Write{Field: f, String: v}
}

func (o *Object) set(w Write) {
	switch w.Field {
	case FieldType:
		o.Type = w.String
	case FieldX:
		o.X = w.Number
	case FieldY:
		o.Y = w.Number
	case FieldWidth:
		o.Width = w.Number
	case FieldHeight:
		o.Height = w.Number
	case FieldText:
		o.Text = w.String
	case FieldColor:
		o.Color = w.String
	}
}

func (o Object) get(f Field) Write {
	switch f {
	case FieldType:
		return Str(f, o.Type)
	case FieldX:
		return Num(f, o.X)
	case FieldY:
		return Num(f, o.Y)
	case FieldWidth:
		return Num(f, o.Width)
	case FieldHeight:
		return Num(f, o.Height)
	case FieldText:
		return Str(f, o.Text)
	case FieldColor:
		return Str(f, o.Color)
	}
	return Write{Field: f}
}
