package domain

import "fmt"

// Program identifica una de las tres estructuras de referidos paralelas.
type Program string

const (
	ProgramBinary Program = "binary"
	ProgramMatrix Program = "matrix"
	ProgramGlobal Program = "global"
)

// Programs lista los programas en orden estable.
var Programs = []Program{ProgramBinary, ProgramMatrix, ProgramGlobal}

// ParseProgram convierte un string de config/CLI en Program.
func ParseProgram(s string) (Program, error) {
	switch Program(s) {
	case ProgramBinary, ProgramMatrix, ProgramGlobal:
		return Program(s), nil
	}
	return "", fmt.Errorf("unknown program %q", s)
}

func (p Program) String() string { return string(p) }

// Posiciones de la matriz, en el orden en que se reclaman.
const (
	PositionLeft   = 0
	PositionCenter = 1
	PositionRight  = 2
)

// Geometry describe la forma de los árboles de un programa.
type Geometry struct {
	Width           int  // hijos por nodo
	CompletionDepth int  // niveles bajo un registro que forman su árbol; 0 = árbol sin límite, nunca se completa
	Serial          bool // la colocación ignora el referidor y escanea desde la raíz del pool
}

// Completes indica si los árboles del programa tienen capacidad fija y se reciclan.
func (g Geometry) Completes() bool { return g.CompletionDepth > 0 }

// Capacity es el número de ocupantes que completa un árbol:
// width + width² + ... + width^depth (matrix: 3+9+27 = 39). 0 si no se completa.
func (g Geometry) Capacity() int {
	total, level := 0, 1
	for i := 0; i < g.CompletionDepth; i++ {
		level *= g.Width
		total += level
	}
	return total
}

// Positions devuelve el orden fijo izquierda → derecha.
func (g Geometry) Positions() []int {
	out := make([]int, g.Width)
	for i := range out {
		out[i] = i
	}
	return out
}

// GeometryFor devuelve la geometría de un programa. El binario es un árbol
// 2-ario sin límite; solo matrix y el pool global se completan y reciclan.
func GeometryFor(p Program) Geometry {
	switch p {
	case ProgramMatrix:
		return Geometry{Width: 3, CompletionDepth: 3}
	case ProgramGlobal:
		return Geometry{Width: 2, CompletionDepth: 2, Serial: true}
	default:
		return Geometry{Width: 2}
	}
}

// PositionName se usa en los reportes.
func PositionName(p Program, pos int) string {
	if GeometryFor(p).Width == 3 {
		switch pos {
		case PositionLeft:
			return "left"
		case PositionCenter:
			return "center"
		case PositionRight:
			return "right"
		}
	}
	switch pos {
	case 0:
		return "left"
	case 1:
		return "right"
	}
	return fmt.Sprintf("#%d", pos)
}
